package pipeline

/*
#cgo pkg-config: gstreamer-1.0
#include <gst/gst.h>

typedef struct {
	GString     *out;
	const gchar *id;
} statsWriter;

static GstPromise *stats_request(GstElement *webrtc) {
	GstPromise *promise = gst_promise_new();
	g_signal_emit_by_name(webrtc, "get-stats", NULL, promise);
	return promise;
}

static void stats_write(statsWriter *w, GQuark field, const gchar *kind, const gchar *value) {
	g_string_append_printf(w->out, "%s\t%s\t%s\t%s\n", w->id, g_quark_to_string(field), kind, value);
}

static gboolean stats_field(GQuark field, const GValue *value, gpointer data) {
	statsWriter *w = data;
	gchar num[G_ASCII_DTOSTR_BUF_SIZE];
	gdouble d;

	switch (G_TYPE_FUNDAMENTAL(G_VALUE_TYPE(value))) {
	case G_TYPE_INT:     d = g_value_get_int(value); break;
	case G_TYPE_UINT:    d = g_value_get_uint(value); break;
	case G_TYPE_INT64:   d = g_value_get_int64(value); break;
	case G_TYPE_UINT64:  d = g_value_get_uint64(value); break;
	case G_TYPE_DOUBLE:  d = g_value_get_double(value); break;
	case G_TYPE_FLOAT:   d = g_value_get_float(value); break;
	case G_TYPE_BOOLEAN: d = g_value_get_boolean(value) ? 1 : 0; break;
	case G_TYPE_ENUM: {
		GEnumClass *klass = g_type_class_ref(G_VALUE_TYPE(value));
		GEnumValue *ev = g_enum_get_value(klass, g_value_get_enum(value));
		if (ev != NULL)
			stats_write(w, field, "s", ev->value_nick);
		g_type_class_unref(klass);
		return TRUE;
	}
	case G_TYPE_STRING: {
		const gchar *str = g_value_get_string(value);
		if (str != NULL) {
			gchar *copy = g_strdelimit(g_strdup(str), "\t\n", ' ');
			stats_write(w, field, "s", copy);
			g_free(copy);
		}
		return TRUE;
	}
	default:
		return TRUE;
	}

	stats_write(w, field, "n", g_ascii_dtostr(num, sizeof(num), d));
	return TRUE;
}

static gboolean stats_entry(GQuark id, const GValue *value, gpointer data) {
	statsWriter *w = data;
	if (!GST_VALUE_HOLDS_STRUCTURE(value))
		return TRUE;
	w->id = g_quark_to_string(id);
	gst_structure_foreach(gst_value_get_structure(value), stats_field, w);
	return TRUE;
}

// stats_reply renders the reply as id, field, kind, value lines. The caller
// frees the result.
static gchar *stats_reply(GstPromise *promise) {
	const GstStructure *reply = gst_promise_get_reply(promise);
	statsWriter w = { g_string_new(NULL), NULL };
	if (reply != NULL)
		gst_structure_foreach(reply, stats_entry, &w);
	return g_string_free(w.out, FALSE);
}
*/
import "C"

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// requestStats emits get-stats on webrtcbin and waits for the reply or ctx.
func (p *Pipeline) requestStats(ctx context.Context) (string, bool) {
	promise := C.stats_request((*C.GstElement)(p.webrtc.Unsafe()))
	defer C.gst_promise_unref(promise)

	done := make(chan C.GstPromiseResult, 1)
	go func() { done <- C.gst_promise_wait(promise) }()

	var result C.GstPromiseResult
	select {
	case result = <-done:
	case <-ctx.Done():
		C.gst_promise_interrupt(promise)
		<-done
		slog.Debug("get-stats timed out", "timeout", p.cfg.StatsTimeout)
		return "", false
	}
	if result != C.GST_PROMISE_RESULT_REPLIED {
		slog.Debug("get-stats not replied", "result", int(result))
		return "", false
	}

	text := C.stats_reply(promise)
	defer C.g_free(C.gpointer(unsafe.Pointer(text)))
	return C.GoString(text), true
}

// Snapshot fetches webrtcbin statistics. It implements stats.Producer and
// reports false when the pipeline has no webrtcbin.
func (p *Pipeline) Snapshot() (stats.Snapshot, bool) {
	if p.webrtc == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StatsTimeout)
	defer cancel()

	text, ok := p.requestStats(ctx)
	if !ok {
		return nil, false
	}
	return parseStats(text), true
}
