package fault

// StaleThreshold is the number of consecutive no-op shadow updates after
// which the hart is assumed to cache invalid entries.
const StaleThreshold = 10

// Staleness detects a TLB that caches invalid entries. It counts
// consecutive faults whose shadow update changed nothing; once the count
// reaches StaleThreshold it latches and every later fault flushes the
// faulting address. The latch never clears.
//
// Staleness lives in a Context and is only touched by the owning vCPU.
type Staleness struct {
	count   uint64
	latched bool
}

// Latched reports whether the latch is set.
func (s *Staleness) Latched() bool { return s.latched }

// Count returns the consecutive unchanged count. It is frozen once latched.
func (s *Staleness) Count() uint64 { return s.count }

// Observe records one shadow update and reports whether the faulting
// address must be flushed.
func (s *Staleness) Observe(unchanged bool) (flush bool) {
	if s.latched {
		return true
	}
	if !unchanged {
		s.count = 1
		return false
	}
	s.count++
	if s.count == StaleThreshold {
		s.latched = true
	}
	return false
}
