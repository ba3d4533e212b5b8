package vm

import (
	"errors"
	"fmt"

	"github.com/virtcore/x86mmu/arch"
	"github.com/virtcore/x86mmu/mem/phys"
)

// A TableBuilder constructs guest page tables in physical memory. It is
// meant for firmware-style setup code and test harnesses; a running
// guest builds its own tables.
//
// Intermediate entries are created writable and user-accessible so that
// the leaf entry alone decides the permission of a mapping.
type TableBuilder struct {
	mem      phys.Memory
	ctx      TranslationContext
	nextFree uint64
}

// NewTableBuilder creates a TableBuilder that lays out tables for the
// given context. The top-level table lives at ctx.Root; additional table
// frames are allocated upward from allocStart in 4 KiB steps.
func NewTableBuilder(
	mem phys.Memory,
	ctx TranslationContext,
	allocStart uint64,
) *TableBuilder {
	return &TableBuilder{
		mem:      mem,
		ctx:      ctx,
		nextFree: allocStart &^ (PageSize - 1),
	}
}

// Map installs a 4 KiB mapping from a linear page to a physical frame.
// Both addresses must be page-aligned.
func (b *TableBuilder) Map(
	linear, physical uint64,
	writable, user bool,
) error {
	if linear&(PageSize-1) != 0 || physical&(PageSize-1) != 0 {
		return errors.New("addresses must be page aligned")
	}

	leaf := physical | ptePresent
	if writable {
		leaf |= pteWritable
	}
	if user {
		leaf |= pteUser
	}

	switch {
	case b.ctx.Mode == arch.ModeLong:
		return b.map64(b.ctx.Root&entryAddrMask, linear, leaf, 3)
	case b.ctx.PAE:
		return b.mapPAE(linear, leaf)
	case b.ctx.Paging:
		return b.map32(linear, leaf)
	default:
		return errors.New("context does not use paging")
	}
}

// map64 fills 64-bit-entry levels from the given level down to the leaf.
// Used for the whole long-mode walk and for the lower PAE levels.
func (b *TableBuilder) map64(
	tableAddr, linear, leaf uint64,
	topLevel int,
) error {
	for level := topLevel; level > 0; level-- {
		index := (linear >> (12 + 9*level)) & 0x1FF

		next, err := b.walkOrAlloc64(tableAddr + index*8)
		if err != nil {
			return err
		}
		tableAddr = next
	}

	index := (linear >> 12) & 0x1FF
	return b.mem.WriteU64(tableAddr+index*8, leaf)
}

func (b *TableBuilder) mapPAE(linear, leaf uint64) error {
	linear &= 0xFFFF_FFFF

	pdptAddr := b.ctx.Root & 0xFFFF_FFE0
	entryAddr := pdptAddr + ((linear>>30)&0x3)*8

	entry, err := b.mem.ReadU64(entryAddr)
	if err != nil {
		return err
	}

	if entry&ptePresent == 0 {
		frame, err := b.allocFrame()
		if err != nil {
			return err
		}
		// PAE PDPTEs carry no permission bits.
		if err := b.mem.WriteU64(entryAddr, frame|ptePresent); err != nil {
			return err
		}
		return b.map64(frame, linear, leaf, 1)
	}

	return b.map64(entry&entryAddrMask, linear, leaf, 1)
}

func (b *TableBuilder) map32(linear, leaf uint64) error {
	linear &= 0xFFFF_FFFF
	dirAddr := b.ctx.Root &^ 0xFFF

	dirEntryAddr := dirAddr + ((linear>>22)&0x3FF)*4
	entry32, err := b.mem.ReadU32(dirEntryAddr)
	if err != nil {
		return err
	}

	tableAddr := uint64(entry32) &^ uint64(0xFFF)
	if uint64(entry32)&ptePresent == 0 {
		frame, err := b.allocFrame()
		if err != nil {
			return err
		}

		pde := uint32(frame | ptePresent | pteWritable | pteUser)
		if err := b.mem.WriteU32(dirEntryAddr, pde); err != nil {
			return err
		}
		tableAddr = frame
	}

	index := (linear >> 12) & 0x3FF
	return b.mem.WriteU32(tableAddr+index*4, uint32(leaf))
}

// walkOrAlloc64 returns the table a 64-bit entry points to, allocating
// and linking a fresh frame if the entry is not present.
func (b *TableBuilder) walkOrAlloc64(entryAddr uint64) (uint64, error) {
	entry, err := b.mem.ReadU64(entryAddr)
	if err != nil {
		return 0, err
	}

	if entry&ptePresent != 0 {
		return entry & entryAddrMask, nil
	}

	frame, err := b.allocFrame()
	if err != nil {
		return 0, err
	}

	link := frame | ptePresent | pteWritable | pteUser
	if err := b.mem.WriteU64(entryAddr, link); err != nil {
		return 0, err
	}

	return frame, nil
}

func (b *TableBuilder) allocFrame() (uint64, error) {
	frame := b.nextFree
	b.nextFree += PageSize

	zeros := make([]byte, PageSize)
	if err := b.mem.Write(frame, zeros); err != nil {
		return 0, fmt.Errorf("allocating table frame: %w", err)
	}

	return frame, nil
}
