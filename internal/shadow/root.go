package shadow

import "fmt"

// Root selects one of the shadow address spaces.
type Root uint8

const (
	// MPA is used while the guest runs with translation disabled.
	MPA Root = iota
	// UVA mirrors the guest's user mappings.
	UVA
	// KVA mirrors the guest's supervisor mappings.
	KVA
	// MVA mirrors both, for a supervisor running with sstatus.SUM set.
	MVA

	numRoots
)

var rootNames = [numRoots]string{
	MPA: "MPA",
	UVA: "UVA",
	KVA: "KVA",
	MVA: "MVA",
}

func (r Root) String() string {
	if r < numRoots {
		return rootNames[r]
	}
	return fmt.Sprintf("Root(%d)", uint8(r))
}

// Valid reports whether r names a shadow address space.
func (r Root) Valid() bool { return r < numRoots }

// Roots lists every shadow address space.
func Roots() []Root {
	return []Root{MPA, UVA, KVA, MVA}
}
