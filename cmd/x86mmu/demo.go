package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/virtcore/x86mmu/arch"
	"github.com/virtcore/x86mmu/mem/bulk"
	"github.com/virtcore/x86mmu/mem/phys"
	"github.com/virtcore/x86mmu/mem/vm"
	"github.com/virtcore/x86mmu/trace"
)

const (
	demoTableRoot = 0x10_0000
	demoFrameBase = 0x40_0000
	demoPages     = 64
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run bulk copy/set scenarios against long-mode page tables.",
	Run: func(cmd *cobra.Command, args []string) {
		tracePath, _ := cmd.Flags().GetString("trace")
		runDemo(tracePath)
	},
}

func init() {
	demoCmd.Flags().String("trace", "",
		"record operations into <path>.sqlite3")
	rootCmd.AddCommand(demoCmd)
}

// setupGuest maps demoPages linear pages starting at 0 and returns a
// synced engine.
func setupGuest(storage *phys.Storage) *bulk.Engine {
	state := arch.CPUState{
		CR0:  arch.CR0PE | arch.CR0PG,
		CR3:  demoTableRoot,
		CR4:  arch.CR4PAE,
		EFER: arch.EFERLME,
	}

	builder := vm.NewTableBuilder(
		storage, vm.ContextFromState(state), demoTableRoot+vm.PageSize)
	for i := uint64(0); i < demoPages; i++ {
		err := builder.Map(
			i*vm.PageSize, demoFrameBase+i*vm.PageSize, true, false)
		if err != nil {
			log.Fatalf("mapping page %d: %v", i, err)
		}
	}

	engine := bulk.NewEngine("Demo", storage)
	engine.Sync(state)

	return engine
}

func runDemo(tracePath string) {
	storage := phys.NewStorage(128 << 20)
	engine := setupGuest(storage)

	if tracePath != "" {
		recorder := trace.NewRecorder(tracePath)
		engine.AcceptHook(trace.NewOpTracer(recorder, "bulk_ops"))
		defer recorder.Flush()
	}

	// Seed the first pages the way a guest would before a REP MOVS.
	seed := make([]byte, 2*vm.PageSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	if err := storage.Write(demoFrameBase, seed); err != nil {
		log.Fatalf("seeding: %v", err)
	}

	fmt.Println("bulk copy, non-overlapping, 2 pages:")
	report(engine.BulkCopy(16*vm.PageSize, 0, 2*vm.PageSize))

	fmt.Println("bulk copy, overlapping, dst > src (backward memmove):")
	report(engine.BulkCopy(0x0900, 0x0100, 3*vm.PageSize))

	fmt.Println("bulk set, 0xAA/0x55 pattern across 3 pages:")
	report(engine.BulkSet(32*vm.PageSize, []byte{0xAA, 0x55}, 3*vm.PageSize))

	fmt.Println("bulk copy into an unmapped destination (declines):")
	report(engine.BulkCopy(1<<30, 0, vm.PageSize))

	fmt.Printf("CR2 after the declined operation: %#x\n",
		engine.MMU().CR2())
}

func report(res bulk.Result) {
	if res.Err != nil {
		fmt.Printf("  -> %s (%v)\n", res.Outcome, res.Err)
		return
	}
	fmt.Printf("  -> %s\n", res.Outcome)
}
