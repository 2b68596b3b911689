package main

import (
	"runtime"
	"sort"
	"time"
)

// gcPauseWindow reports the p99 GC pause for the pauses that landed between
// two stats ticks. displayStats owns the instance and calls sample serially,
// at most once per interval.
type gcPauseWindow struct {
	lastNumGC uint32
	primed    bool
}

// sample inspects mem and returns the p99 pause among GCs that completed
// since the previous call, plus how many pauses were considered. When more
// GCs ran than the runtime pause ring can hold, only the most recent ring
// of pauses is used and truncated is true.
func (w *gcPauseWindow) sample(mem *runtime.MemStats) (p99 time.Duration, count int, truncated bool) {
	if mem == nil {
		return 0, 0, false
	}
	if !w.primed {
		// First call just records the baseline GC count.
		w.lastNumGC = mem.NumGC
		w.primed = true
		return 0, 0, false
	}
	if mem.NumGC <= w.lastNumGC {
		return 0, 0, false
	}
	delta := mem.NumGC - w.lastNumGC
	w.lastNumGC = mem.NumGC

	ringLen := len(mem.PauseNs)
	if ringLen == 0 {
		return 0, 0, false
	}
	take := int(delta)
	if take > ringLen {
		take = ringLen
		truncated = true
	}

	// PauseNs is a circular buffer indexed by GC number; the most recent
	// pause sits at (NumGC-1) mod len. Walk backwards from there.
	pauses := make([]uint64, 0, take)
	idx := int((mem.NumGC - 1) % uint32(ringLen))
	for i := 0; i < take; i++ {
		if v := mem.PauseNs[idx]; v > 0 {
			pauses = append(pauses, v)
		}
		idx--
		if idx < 0 {
			idx = ringLen - 1
		}
	}
	if len(pauses) == 0 {
		return 0, 0, truncated
	}
	sort.Slice(pauses, func(i, j int) bool { return pauses[i] < pauses[j] })
	rank := int(float64(len(pauses)-1) * 0.99)
	return time.Duration(pauses[rank]), len(pauses), truncated
}
