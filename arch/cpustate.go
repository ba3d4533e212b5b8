// Package arch models the guest-visible control state that drives address
// translation: control registers, the extended feature register, and the
// execution mode derived from them.
package arch

// Control register bits that matter for translation.
const (
	// CR0PE enables protected mode.
	CR0PE uint64 = 1 << 0

	// CR0PG enables paging. Only meaningful when CR0PE is set.
	CR0PG uint64 = 1 << 31

	// CR4PAE enables physical address extension (64-bit page table
	// entries, 3-level walk in protected mode).
	CR4PAE uint64 = 1 << 5

	// EFERLME enables long mode. Takes effect once paging is on with PAE.
	EFERLME uint64 = 1 << 8
)

// Mode is the execution mode of the virtual CPU.
type Mode int

const (
	// ModeReal is the power-on 16-bit mode. No translation.
	ModeReal Mode = iota

	// ModeProtected is 32-bit protected mode, with or without paging.
	ModeProtected

	// ModeLong is 64-bit long mode. Always paged, 4-level tables.
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	}
	return "unknown"
}

// CPUState is a read-only snapshot of the registers the MMU derives its
// translation parameters from. The interpreter owns the live registers and
// passes a copy in whenever they may have changed.
type CPUState struct {
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64
}

// Mode derives the execution mode from CR0.PE, CR0.PG, CR4.PAE and
// EFER.LME.
func (s CPUState) Mode() Mode {
	if s.CR0&CR0PE == 0 {
		return ModeReal
	}

	if s.CR0&CR0PG != 0 && s.CR4&CR4PAE != 0 && s.EFER&EFERLME != 0 {
		return ModeLong
	}

	return ModeProtected
}

// PagingEnabled reports whether linear addresses go through the page
// tables at all.
func (s CPUState) PagingEnabled() bool {
	return s.CR0&CR0PE != 0 && s.CR0&CR0PG != 0
}

// PAEEnabled reports whether page-table entries are 64 bits wide.
func (s CPUState) PAEEnabled() bool {
	return s.CR4&CR4PAE != 0
}
