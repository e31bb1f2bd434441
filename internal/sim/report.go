package sim

import (
	"fmt"
	"io"
)

// Outcomes of one handler call.
const (
	OutcomeHandled   = "handled"
	OutcomeForwarded = "forwarded"
	OutcomeFatal     = "fatal"
)

// Mismatch is a fault whose outcome differed from the trace's expectation.
type Mismatch struct {
	Index     int
	Iteration int
	VA        uint64
	Want      string
	Got       string
	Err       error
}

func (m Mismatch) String() string {
	s := fmt.Sprintf("fault %d (iteration %d) at %#x: want %s, got %s", m.Index, m.Iteration, m.VA, m.Want, m.Got)
	if m.Err != nil {
		s += ": " + m.Err.Error()
	}
	return s
}

// VCPUStats summarizes one vCPU's replay.
type VCPUStats struct {
	ID        int
	Handled   int
	Forwarded int
	Fatal     int
	Flushes   int
	Latched   bool
	PC        uint64

	Mismatches []Mismatch
}

func (s *VCPUStats) record(handled bool, err error) string {
	switch {
	case err != nil:
		s.Fatal++
		return OutcomeFatal
	case handled:
		s.Handled++
		return OutcomeHandled
	default:
		s.Forwarded++
		return OutcomeForwarded
	}
}

// Report is the result of Machine.Run.
type Report struct {
	VCPUs       []VCPUStats
	ShadowPages uint64
}

// Mismatches counts unexpected outcomes over all vCPUs.
func (r Report) Mismatches() int {
	n := 0
	for _, v := range r.VCPUs {
		n += len(v.Mismatches)
	}
	return n
}

// Print writes a human readable summary.
func (r Report) Print(w io.Writer) {
	for _, v := range r.VCPUs {
		fmt.Fprintf(w, "vcpu %d: handled=%d forwarded=%d fatal=%d flushes=%d latched=%v sepc=%#x\n",
			v.ID, v.Handled, v.Forwarded, v.Fatal, v.Flushes, v.Latched, v.PC)
		for _, m := range v.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
	fmt.Fprintf(w, "shadow table pages in use: %d\n", r.ShadowPages)
}
