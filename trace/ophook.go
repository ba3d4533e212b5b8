package trace

import (
	"github.com/virtcore/x86mmu/hooking"
	"github.com/virtcore/x86mmu/mem/bulk"
)

// An OpRecord is one recorded bulk operation.
type OpRecord struct {
	ID      string
	Kind    string
	Dst     uint64
	Src     uint64
	Len     uint64
	Outcome string
}

// An OpTracer is a hook that records every finished bulk operation into
// a Recorder table.
type OpTracer struct {
	recorder  Recorder
	tableName string
}

// NewOpTracer creates an OpTracer writing into the given table, which
// it creates. Attach it to an engine with AcceptHook.
func NewOpTracer(recorder Recorder, tableName string) *OpTracer {
	recorder.CreateTable(tableName, OpRecord{})

	return &OpTracer{
		recorder:  recorder,
		tableName: tableName,
	}
}

// Func records the operation once its outcome is known. Start events
// are ignored.
func (t *OpTracer) Func(ctx hooking.HookCtx) {
	if ctx.Pos == bulk.HookPosOpStart {
		return
	}

	op, ok := ctx.Item.(bulk.Op)
	if !ok {
		return
	}

	res := ctx.Detail.(bulk.Result)

	t.recorder.InsertData(t.tableName, OpRecord{
		ID:      op.ID,
		Kind:    op.Kind,
		Dst:     op.Dst,
		Src:     op.Src,
		Len:     op.Len,
		Outcome: res.Outcome.String(),
	})
}
