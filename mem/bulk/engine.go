// Package bulk implements the bulk-transfer engine layered on the page
// walker. It backs string-instruction emulation with an atomic
// preflight-then-execute protocol: either every page of an operation
// translates cleanly and the whole transfer happens, or the operation is
// declined with no guest-visible side effect.
package bulk

import (
	"errors"

	"github.com/rs/xid"

	"github.com/virtcore/x86mmu/arch"
	"github.com/virtcore/x86mmu/hooking"
	"github.com/virtcore/x86mmu/mem/phys"
	"github.com/virtcore/x86mmu/mem/vm"
)

// ChunkSize is the scratch-buffer size of chunked transfers. Chunks
// additionally never cross a source or destination page boundary.
const ChunkSize = 256

// Op kinds reported through hooks.
const (
	OpCopy = "copy"
	OpSet  = "set"
)

// An Op describes one bulk operation to hooks and tracers. Src is zero
// for set operations.
type Op struct {
	ID   string
	Kind string
	Dst  uint64
	Src  uint64
	Len  uint64
}

// Hook positions fired around bulk operations.
var (
	HookPosOpStart     = &hooking.HookPos{Name: "BulkOpStart"}
	HookPosOpCompleted = &hooking.HookPos{Name: "BulkOpCompleted"}
	HookPosOpDeclined  = &hooking.HookPos{Name: "BulkOpDeclined"}
	HookPosOpFaulted   = &hooking.HookPos{Name: "BulkOpFaulted"}
)

var _ Mover = (*Engine)(nil)

// Engine is the page-table-backed Mover. It owns the physical memory
// collaborator and the page walker for its lifetime, and keeps a fixed
// scratch buffer so the hot path does not allocate.
type Engine struct {
	*hooking.HookableBase

	name    string
	mem     phys.Memory
	walker  *vm.Walker
	scratch [ChunkSize]byte
}

// NewEngine creates an Engine that owns the given physical memory.
func NewEngine(name string, mem phys.Memory) *Engine {
	return MakeBuilder().WithMemory(mem).Build(name)
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Sync rebuilds the cached translation parameters from the CPU state
// snapshot. The context is replaced wholesale, never patched.
func (e *Engine) Sync(state arch.CPUState) {
	e.walker.SetContext(vm.ContextFromState(state))
}

// SupportsBulkCopy reports whether BulkCopy is available.
func (e *Engine) SupportsBulkCopy() bool {
	return true
}

// SupportsBulkSet reports whether BulkSet is available.
func (e *Engine) SupportsBulkSet() bool {
	return true
}

// MMU exposes the page walker, mainly for its CR2 accessor.
func (e *Engine) MMU() *vm.Walker {
	return e.walker
}

// Memory exposes the raw physical memory, bypassing translation. For
// DMA-style collaborators and snapshot code only.
func (e *Engine) Memory() phys.Memory {
	return e.mem
}

// BulkCopy copies n bytes from src to dst in linear address space with
// memmove overlap semantics. If any page of either range does not
// translate, it returns Declined before touching anything.
func (e *Engine) BulkCopy(dst, src, n uint64) Result {
	op := Op{ID: xid.New().String(), Kind: OpCopy, Dst: dst, Src: src, Len: n}
	e.InvokeHook(hooking.HookCtx{Domain: e, Pos: HookPosOpStart, Item: op})

	if n == 0 {
		return e.finish(op, completed())
	}

	if !e.preflight(src, n, vm.Intent{Kind: vm.AccessRead}) ||
		!e.preflight(dst, n, vm.Intent{Kind: vm.AccessWrite}) {
		return e.finish(op, declined())
	}

	var err error
	if dst > src && dst < src+n {
		err = e.copyBackward(dst, src, n)
	} else {
		err = e.copyForward(dst, src, n)
	}
	if err != nil {
		return e.finish(op, faulted(err))
	}

	return e.finish(op, completed())
}

// BulkSet fills n bytes at dst with the repeating pattern. The pattern
// phase is kept across chunk and page boundaries.
func (e *Engine) BulkSet(dst uint64, pattern []byte, n uint64) Result {
	op := Op{ID: xid.New().String(), Kind: OpSet, Dst: dst, Len: n}
	e.InvokeHook(hooking.HookCtx{Domain: e, Pos: HookPosOpStart, Item: op})

	if n == 0 {
		return e.finish(op, completed())
	}

	if len(pattern) == 0 {
		return e.finish(op,
			faulted(errors.New("bulk set with empty pattern")))
	}

	if !e.preflight(dst, n, vm.Intent{Kind: vm.AccessWrite}) {
		return e.finish(op, declined())
	}

	if err := e.fill(dst, pattern, n); err != nil {
		return e.finish(op, faulted(err))
	}

	return e.finish(op, completed())
}

// preflight probes every page the range touches with fault recording
// disabled. It reads no data and writes nothing, so a failed probe
// leaves CR2, page tables and memory untouched.
func (e *Engine) preflight(start, n uint64, intent vm.Intent) bool {
	firstPage := start / vm.PageSize
	lastPage := (start + n - 1) / vm.PageSize

	for page := firstPage; page <= lastPage; page++ {
		_, err := e.walker.Translate(page*vm.PageSize, intent, false)
		if err != nil {
			return false
		}
	}

	return true
}

// copyForward moves chunks from low addresses up. Safe whenever the
// destination does not start inside the source range.
func (e *Engine) copyForward(dst, src, n uint64) error {
	pos := uint64(0)

	for pos < n {
		srcAddr := src + pos
		dstAddr := dst + pos

		chunk := min(uint64(ChunkSize), n-pos,
			vm.PageSize-srcAddr%vm.PageSize,
			vm.PageSize-dstAddr%vm.PageSize)

		if err := e.moveChunk(dstAddr, srcAddr, chunk); err != nil {
			return err
		}

		pos += chunk
	}

	return nil
}

// copyBackward moves chunks from the tail of the range down, so an
// overlapping source is never clobbered before it is read.
func (e *Engine) copyBackward(dst, src, n uint64) error {
	left := n

	for left > 0 {
		srcEnd := src + left
		dstEnd := dst + left

		chunk := min(uint64(ChunkSize), left,
			(srcEnd-1)%vm.PageSize+1,
			(dstEnd-1)%vm.PageSize+1)

		pos := left - chunk
		if err := e.moveChunk(dst+pos, src+pos, chunk); err != nil {
			return err
		}

		left = pos
	}

	return nil
}

// moveChunk transfers one chunk that crosses no page boundary on either
// side. Each chunk re-translates its own start: consecutive linear pages
// need not be physically adjacent.
func (e *Engine) moveChunk(dstAddr, srcAddr, chunk uint64) error {
	srcPhys, err := e.walker.Translate(
		srcAddr, vm.Intent{Kind: vm.AccessRead}, true)
	if err != nil {
		return err
	}

	dstPhys, err := e.walker.Translate(
		dstAddr, vm.Intent{Kind: vm.AccessWrite}, true)
	if err != nil {
		return err
	}

	buf := e.scratch[:chunk]
	if err := e.mem.ReadInto(srcPhys, buf); err != nil {
		return err
	}

	return e.mem.Write(dstPhys, buf)
}

func (e *Engine) fill(dst uint64, pattern []byte, n uint64) error {
	patLen := uint64(len(pattern))
	pos := uint64(0)

	for pos < n {
		dstAddr := dst + pos

		chunk := min(uint64(ChunkSize), n-pos,
			vm.PageSize-dstAddr%vm.PageSize)

		buf := e.scratch[:chunk]
		phase := pos % patLen
		for i := range buf {
			buf[i] = pattern[(phase+uint64(i))%patLen]
		}

		dstPhys, err := e.walker.Translate(
			dstAddr, vm.Intent{Kind: vm.AccessWrite}, true)
		if err != nil {
			return err
		}

		if err := e.mem.Write(dstPhys, buf); err != nil {
			return err
		}

		pos += chunk
	}

	return nil
}

func (e *Engine) finish(op Op, res Result) Result {
	pos := HookPosOpCompleted
	switch res.Outcome {
	case Declined:
		pos = HookPosOpDeclined
	case Faulted:
		pos = HookPosOpFaulted
	}

	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    pos,
		Item:   op,
		Detail: res,
	})

	return res
}
