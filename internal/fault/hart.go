package fault

// Hart is the trapping hart's supervisor trap state.
type Hart interface {
	// Stval returns the faulting virtual address.
	Stval() uint64
	Sepc() uint64
	SetSepc(pc uint64)
	// FlushAddress invalidates cached translations for va (sfence.vma va).
	FlushAddress(va uint64)
}

// SoftHart is a Hart held in memory.
type SoftHart struct {
	TrapValue uint64
	PC        uint64

	// Flushes lists every address passed to FlushAddress.
	Flushes []uint64
}

func (h *SoftHart) Stval() uint64          { return h.TrapValue }
func (h *SoftHart) Sepc() uint64           { return h.PC }
func (h *SoftHart) SetSepc(pc uint64)      { h.PC = pc }
func (h *SoftHart) FlushAddress(va uint64) { h.Flushes = append(h.Flushes, va) }

var _ Hart = (*SoftHart)(nil)
