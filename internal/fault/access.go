package fault

import (
	"fmt"

	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
	"github.com/tinyrange/rvshadow/internal/shadow"
)

// Page fault causes (scause)
const (
	CauseFetchPageFault = 12
	CauseLoadPageFault  = 13
	CauseStorePageFault = 15
)

// AccessKind is the kind of access that faulted.
type AccessKind uint8

const (
	Read AccessKind = iota
	Write
	Execute
)

func (k AccessKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Execute:
		return "execute"
	default:
		return fmt.Sprintf("AccessKind(%d)", uint8(k))
	}
}

// PteBit returns the leaf permission bit the access requires.
func (k AccessKind) PteBit() uint64 {
	switch k {
	case Read:
		return sv39.PteR
	case Write:
		return sv39.PteW
	case Execute:
		return sv39.PteX
	default:
		return 0
	}
}

// AccessKindFromCause classifies a page fault cause.
func AccessKindFromCause(cause uint64) (AccessKind, error) {
	switch cause {
	case CauseFetchPageFault:
		return Execute, nil
	case CauseLoadPageFault:
		return Read, nil
	case CauseStorePageFault:
		return Write, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCause, cause)
	}
}

// CheckAccess reports whether pte grants kind.
func CheckAccess(kind AccessKind, pte uint64) bool {
	bit := kind.PteBit()
	return bit != 0 && pte&bit != 0
}

// CheckPrivilege reports whether a leaf with pte may be mapped into root.
// User pages only appear in UVA, supervisor pages only in KVA, and MVA
// takes both.
func CheckPrivilege(root shadow.Root, pte uint64) bool {
	switch root {
	case shadow.UVA:
		return pte&sv39.PteU != 0
	case shadow.KVA:
		return pte&sv39.PteU == 0
	case shadow.MVA:
		return true
	default:
		return false
	}
}
