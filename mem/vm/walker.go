// Package vm implements the guest page-table walker. It translates one
// linear address at a time into a physical address, honoring the
// translation parameters last pushed in by the interpreter.
package vm

import (
	"fmt"

	"github.com/virtcore/x86mmu/arch"
	"github.com/virtcore/x86mmu/mem/phys"
)

// PageSize is the only leaf page size the walker maps. Larger pages are
// left to the byte-wise slow path.
const PageSize uint64 = 4096

// Bits in page table entries.
const (
	ptePresent  uint64 = 1 << 0
	pteWritable uint64 = 1 << 1
	pteUser     uint64 = 1 << 2
	pteSuper    uint64 = 1 << 7

	// entryAddrMask extracts the physical frame base from a 64-bit
	// entry. 32-bit entries only populate the low 20 bits of it.
	entryAddrMask uint64 = 0x000F_FFFF_FFFF_F000
)

// Real mode addresses wrap at 1 MiB (A20 held low).
const realModeAddrMask uint64 = 0xF_FFFF

// A TranslationContext is a snapshot of the registers that parameterize
// translation. It is replaced wholesale on every sync, never mutated in
// place.
type TranslationContext struct {
	Mode   arch.Mode
	Paging bool
	PAE    bool

	// Root is the CR3 value: the physical address of the top-level page
	// table, plus flag bits the walker masks off.
	Root uint64
}

// ContextFromState derives a TranslationContext from a CPU state
// snapshot.
func ContextFromState(s arch.CPUState) TranslationContext {
	return TranslationContext{
		Mode:   s.Mode(),
		Paging: s.PagingEnabled(),
		PAE:    s.PAEEnabled(),
		Root:   s.CR3,
	}
}

// A Walker translates linear addresses by walking the guest page tables
// held in physical memory. Besides the cached TranslationContext, its
// only persistent state is the last recorded fault address (CR2).
type Walker struct {
	mem    phys.Memory
	ctx    TranslationContext
	hasCtx bool
	cr2    uint64
}

// NewWalker creates a Walker that reads page tables through mem.
func NewWalker(mem phys.Memory) *Walker {
	return &Walker{mem: mem}
}

// SetContext replaces the cached translation parameters. Until the first
// call, every address is treated as real-mode identity-mapped, matching
// power-on CPU state.
func (w *Walker) SetContext(ctx TranslationContext) {
	w.ctx = ctx
	w.hasCtx = true
}

// Reset drops the cached context and clears CR2, returning the walker to
// its power-on state.
func (w *Walker) Reset() {
	w.ctx = TranslationContext{}
	w.hasCtx = false
	w.cr2 = 0
}

// CR2 returns the last recorded fault address, or 0 if no fault has ever
// been recorded.
func (w *Walker) CR2() uint64 {
	return w.cr2
}

// Translate turns a linear address into a physical address under the
// cached context. On failure it returns a *Fault; recordFault controls
// whether the fault address is latched into CR2. Preflight passes must
// call with recordFault false so that a probe leaves no guest-visible
// trace.
func (w *Walker) Translate(
	linear uint64,
	intent Intent,
	recordFault bool,
) (uint64, error) {
	if !w.hasCtx || w.ctx.Mode == arch.ModeReal {
		return linear & realModeAddrMask, nil
	}

	if !w.ctx.Paging {
		return linear & 0xFFFF_FFFF, nil
	}

	switch {
	case w.ctx.Mode == arch.ModeLong:
		return w.walkLong(linear, intent, recordFault)
	case w.ctx.PAE:
		return w.walkPAE(linear, intent, recordFault)
	default:
		return w.walk32(linear, intent, recordFault)
	}
}

// walk32 walks the 2-level non-PAE tables: page directory then page
// table, 10-bit indices, 32-bit entries.
func (w *Walker) walk32(
	linear uint64,
	intent Intent,
	recordFault bool,
) (uint64, error) {
	linear &= 0xFFFF_FFFF
	tableAddr := w.ctx.Root &^ 0xFFF

	for level := 1; level >= 0; level-- {
		index := (linear >> (12 + 10*level)) & 0x3FF

		entry32, err := w.mem.ReadU32(tableAddr + index*4)
		if err != nil {
			return 0, fmt.Errorf("page walk: %w", err)
		}
		entry := uint64(entry32)

		if entry&ptePresent == 0 || !entryPermits(entry, intent) {
			return w.fault(linear, intent, recordFault)
		}

		if level > 0 && entry&pteSuper != 0 {
			// 4 MiB page. Not bulk-translatable.
			return w.fault(linear, intent, recordFault)
		}

		tableAddr = entry &^ 0xFFF
	}

	return tableAddr | linear&0xFFF, nil
}

// walkPAE walks the 3-level PAE tables: PDPT, page directory, page
// table. The PDPTE carries only a Present bit; permission bits start at
// the directory level.
func (w *Walker) walkPAE(
	linear uint64,
	intent Intent,
	recordFault bool,
) (uint64, error) {
	linear &= 0xFFFF_FFFF

	pdptAddr := w.ctx.Root & 0xFFFF_FFE0
	pdpte, err := w.mem.ReadU64(pdptAddr + ((linear>>30)&0x3)*8)
	if err != nil {
		return 0, fmt.Errorf("page walk: %w", err)
	}

	if pdpte&ptePresent == 0 {
		return w.fault(linear, intent, recordFault)
	}

	return w.walkLower(pdpte&entryAddrMask, linear, intent, recordFault)
}

// walkLong walks the 4-level long-mode tables. The linear address must
// be canonical before any table read.
func (w *Walker) walkLong(
	linear uint64,
	intent Intent,
	recordFault bool,
) (uint64, error) {
	if uint64(int64(linear<<16)>>16) != linear {
		return w.fault(linear, intent, recordFault)
	}

	tableAddr := w.ctx.Root & entryAddrMask

	for level := 3; level >= 2; level-- {
		index := (linear >> (12 + 9*level)) & 0x1FF

		entry, err := w.mem.ReadU64(tableAddr + index*8)
		if err != nil {
			return 0, fmt.Errorf("page walk: %w", err)
		}

		if entry&ptePresent == 0 || !entryPermits(entry, intent) {
			return w.fault(linear, intent, recordFault)
		}

		if level == 2 && entry&pteSuper != 0 {
			// 1 GiB page. Not bulk-translatable.
			return w.fault(linear, intent, recordFault)
		}

		tableAddr = entry & entryAddrMask
	}

	return w.walkLower(tableAddr, linear, intent, recordFault)
}

// walkLower walks the bottom two levels shared by PAE and long mode:
// a page directory and a page table with 9-bit indices and 64-bit
// entries.
func (w *Walker) walkLower(
	tableAddr, linear uint64,
	intent Intent,
	recordFault bool,
) (uint64, error) {
	for level := 1; level >= 0; level-- {
		index := (linear >> (12 + 9*level)) & 0x1FF

		entry, err := w.mem.ReadU64(tableAddr + index*8)
		if err != nil {
			return 0, fmt.Errorf("page walk: %w", err)
		}

		if entry&ptePresent == 0 || !entryPermits(entry, intent) {
			return w.fault(linear, intent, recordFault)
		}

		if level > 0 && entry&pteSuper != 0 {
			// 2 MiB page. Not bulk-translatable.
			return w.fault(linear, intent, recordFault)
		}

		tableAddr = entry & entryAddrMask
	}

	return tableAddr | linear&0xFFF, nil
}

// entryPermits checks an access against one level's entry flags. A
// restriction at any level forbids the access for all descendants.
func entryPermits(entry uint64, intent Intent) bool {
	if intent.Kind == AccessWrite && entry&pteWritable == 0 {
		return false
	}

	if intent.User && entry&pteUser == 0 {
		return false
	}

	return true
}

func (w *Walker) fault(
	linear uint64,
	intent Intent,
	recordFault bool,
) (uint64, error) {
	if recordFault {
		w.cr2 = linear
	}

	return 0, &Fault{LinearAddr: linear, Intent: intent}
}
