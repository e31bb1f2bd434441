// Package plic emulates the Platform Level Interrupt Controller window a
// guest sees. Addresses are guest-physical and must lie inside the window.
package plic

import (
	"gvisor.dev/gvisor/pkg/sync"
)

// Guest-physical window of the emulated PLIC.
const (
	Base uint64 = 0x0c00_0000
	Size uint64 = 0x0400_0000
)

// PLIC register offsets
const (
	PriorityBase  = 0x000000 // Priority registers (1024 sources)
	PendingBase   = 0x001000 // Pending bits
	EnableBase    = 0x002000 // Enable bits per context
	ThresholdBase = 0x200000 // Threshold and claim per context
)

const (
	EnableStride  = 0x80
	ContextStride = 0x1000
)

// Maximum number of interrupt sources
const MaxSources = 1024

// Contexts of the single hart the guest sees.
const (
	ContextM = 0
	ContextS = 1

	numContexts = 2
)

// PLIC implements the Platform Level Interrupt Controller
type PLIC struct {
	mu sync.Mutex

	// Priority for each source (0-7, 0 = disabled)
	priority [MaxSources]uint32

	pending [MaxSources / 32]uint32

	enable [numContexts][MaxSources / 32]uint32

	threshold [numContexts]uint32

	claimed [numContexts]uint32
}

// New creates a PLIC with every source disabled.
func New() *PLIC {
	return &PLIC{}
}

// Contains reports whether pa lies in the PLIC window.
func Contains(pa uint64) bool {
	return pa >= Base && pa < Base+Size
}

// ReadU32 reads the 32-bit register at guest-physical address pa.
func (p *PLIC) ReadU32(pa uint64) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := pa - Base
	switch {
	case offset < PendingBase:
		source := offset / 4
		if source < MaxSources {
			return p.priority[source]
		}

	case offset < EnableBase:
		word := (offset - PendingBase) / 4
		if word < uint64(len(p.pending)) {
			return p.pending[word]
		}

	case offset < ThresholdBase:
		rel := offset - EnableBase
		context := rel / EnableStride
		word := (rel % EnableStride) / 4
		if context < numContexts && word < uint64(len(p.enable[0])) {
			return p.enable[context][word]
		}

	default:
		rel := offset - ThresholdBase
		context := rel / ContextStride
		if context < numContexts {
			switch rel % ContextStride {
			case 0:
				return p.threshold[context]
			case 4:
				return p.claim(int(context))
			}
		}
	}

	return 0
}

// WriteU32 writes value to the 32-bit register at guest-physical address pa.
// It reports whether the supervisor external interrupt line is now low, in
// which case the caller should clear SEIP in the guest's sip.
func (p *PLIC) WriteU32(pa uint64, value uint32) (clearSEIP bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := pa - Base
	switch {
	case offset < PendingBase:
		source := offset / 4
		if source < MaxSources && source > 0 { // Source 0 is reserved
			p.priority[source] = value & 7
		}

	case offset < EnableBase:
		// pending bits are read-only

	case offset < ThresholdBase:
		rel := offset - EnableBase
		context := rel / EnableStride
		word := (rel % EnableStride) / 4
		if context < numContexts && word < uint64(len(p.enable[0])) {
			p.enable[context][word] = value
		}

	default:
		rel := offset - ThresholdBase
		context := rel / ContextStride
		if context < numContexts {
			switch rel % ContextStride {
			case 0:
				p.threshold[context] = value & 7
			case 4:
				p.complete(int(context), value)
			}
		}
	}

	return !p.hasPendingInterrupt(ContextS)
}

// SetPending raises or lowers an interrupt source.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= MaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word := source / 32
	bit := source % 32

	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
}

// Pending reports whether context has an enabled interrupt above its
// threshold.
func (p *PLIC) Pending(context int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPendingInterrupt(context)
}

// Claimed returns the source currently claimed by context, or 0.
func (p *PLIC) Claimed(context int) uint32 {
	if context < 0 || context >= numContexts {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed[context]
}

// claim claims the highest priority pending interrupt for a context
func (p *PLIC) claim(context int) uint32 {
	var bestSource uint32
	var bestPriority uint32

	for source := uint32(1); source < MaxSources; source++ {
		if !p.eligible(context, source) {
			continue
		}
		// RISC-V PLIC uses higher number = higher priority
		if priority := p.priority[source]; priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		p.pending[bestSource/32] &^= 1 << (bestSource % 32)
		p.claimed[context] = bestSource
	}

	return bestSource
}

// complete signals completion of interrupt handling
func (p *PLIC) complete(context int, source uint32) {
	if source == 0 || source >= MaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
}

func (p *PLIC) eligible(context int, source uint32) bool {
	word := source / 32
	bit := uint32(1) << (source % 32)
	if p.pending[word]&bit == 0 || p.enable[context][word]&bit == 0 {
		return false
	}
	return p.priority[source] > p.threshold[context]
}

func (p *PLIC) hasPendingInterrupt(context int) bool {
	if context < 0 || context >= numContexts {
		return false
	}
	for source := uint32(1); source < MaxSources; source++ {
		if p.eligible(context, source) {
			return true
		}
	}
	return false
}
