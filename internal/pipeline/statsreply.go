package pipeline

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// parseStats decodes the get-stats rendering: one "id\tfield\tkind\tvalue"
// line per field, kind "n" for numbers and "s" for strings.
func parseStats(text string) stats.Snapshot {
	values := make(map[string]interface{})
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			slog.Debug("skipping malformed stats line", "line", line)
			continue
		}
		id, field, kind, raw := parts[0], parts[1], parts[2], parts[3]

		fields, ok := values[id].(map[string]interface{})
		if !ok {
			fields = make(map[string]interface{})
			values[id] = fields
		}
		if kind != "n" {
			fields[field] = raw
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			slog.Debug("skipping non-numeric stats field", "id", id, "field", field, "value", raw)
			continue
		}
		fields[field] = f
	}
	return stats.FromValues(values)
}
