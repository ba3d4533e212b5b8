package bulk

import "github.com/virtcore/x86mmu/arch"

// A Mover provides atomic bulk copy and fill over the translated
// address space. Engine is the page-table-backed implementation.
// Backends without translation support report false from the capability
// queries, which forces callers onto their byte-wise path.
type Mover interface {
	// Sync rebuilds the translation parameters from a CPU state
	// snapshot. Callers must invoke it before any bulk operation whose
	// CR3 or mode may have changed; there is no implicit polling.
	Sync(state arch.CPUState)

	SupportsBulkCopy() bool
	SupportsBulkSet() bool

	// BulkCopy copies n bytes from the source linear range to the
	// destination linear range with memmove overlap semantics.
	BulkCopy(dst, src, n uint64) Result

	// BulkSet fills n bytes of the destination linear range with the
	// repeating pattern.
	BulkSet(dst uint64, pattern []byte, n uint64) Result
}
