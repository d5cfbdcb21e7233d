// Package bbr implements the fixed-point BBR-style congestion controller
// described by the connection engine in internal/ctcp: a windowed
// max-bandwidth filter plus a four-mode bandwidth/RTT probing state
// machine driven by on-send and on-ack rate samples.
package bbr

// sample is one (round, value) observation in the windowed max filter.
type sample struct {
	round uint32
	value uint64
}

// minmaxFilter tracks the maximum value observed over the trailing
// windowLen rounds, evicting samples older than the window on insert.
// Mirrors ctcp_bbr_minmax.c's circular array with a linear max rescan.
type minmaxFilter struct {
	samples    []sample
	maxIdx     uint32
	windowLen  uint32
}

func newMinMaxFilter(windowLen uint32) *minmaxFilter {
	f := &minmaxFilter{
		samples:   make([]sample, windowLen),
		windowLen: windowLen,
	}
	return f
}

// reset seeds every slot with the given sample, as ctcp_bbr_minmax.c's
// minmax_reset does at connection start and on each PROBE_RTT exit.
func (f *minmaxFilter) reset(round uint32, value uint64) {
	for i := range f.samples {
		f.samples[i] = sample{round: round, value: value}
	}
	f.maxIdx = 0
}

// get returns the current windowed maximum.
func (f *minmaxFilter) get() uint64 {
	return f.samples[f.maxIdx].value
}

// insert records value at the slot for round and rescans all
// non-expired slots for the new maximum, exactly as minmax_insert does.
func (f *minmaxFilter) insert(round uint32, value uint64) {
	idx := round % f.windowLen
	f.samples[idx] = sample{round: round, value: value}

	var bestIdx uint32
	var bestVal uint64
	found := false
	for i, s := range f.samples {
		if round-s.round >= f.windowLen {
			continue
		}
		if !found || s.value >= bestVal {
			bestIdx = uint32(i)
			bestVal = s.value
			found = true
		}
	}
	if found {
		f.maxIdx = bestIdx
	} else {
		f.maxIdx = idx
	}
}
