package stats

// NTPShortToSeconds converts a 16.16 fixed-point NTP short value (as used for
// RTCP round-trip and DLSR fields) to seconds.
func NTPShortToSeconds(v float64) float64 {
	return v / 65536.0
}

// ClockUnitsToSeconds converts RTP clock ticks to seconds. Returns 0 for a
// non-positive clock rate.
func ClockUnitsToSeconds(ticks, clockRate float64) float64 {
	if clockRate <= 0 {
		return 0
	}
	return ticks / clockRate
}

// Producer delivers the most recent snapshot of a stats source.
// ok is false until the source has produced anything.
type Producer interface {
	Snapshot() (snapshot Snapshot, ok bool)
}
