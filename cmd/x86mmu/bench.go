package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtcore/x86mmu/mem/bulk"
	"github.com/virtcore/x86mmu/mem/phys"
	"github.com/virtcore/x86mmu/mem/vm"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure bulk copy throughput through the page tables.",
	Run: func(cmd *cobra.Command, args []string) {
		iterations, _ := cmd.Flags().GetInt("iterations")
		pages, _ := cmd.Flags().GetInt("pages")
		runBench(iterations, pages)
	},
}

func init() {
	benchCmd.Flags().Int("iterations", 1000, "number of copies to run")
	benchCmd.Flags().Int("pages", 8, "pages per copy")
	rootCmd.AddCommand(benchCmd)
}

func runBench(iterations, pages int) {
	if pages <= 0 || 2*pages > demoPages {
		log.Fatalf("pages must be between 1 and %d", demoPages/2)
	}

	storage := phys.NewStorage(128 << 20)
	engine := setupGuest(storage)

	n := uint64(pages) * vm.PageSize
	dst := uint64(demoPages/2) * vm.PageSize

	start := time.Now()
	for i := 0; i < iterations; i++ {
		res := engine.BulkCopy(dst, 0, n)
		if res.Outcome != bulk.Completed {
			log.Fatalf("copy %d: %s (%v)", i, res.Outcome, res.Err)
		}
	}
	elapsed := time.Since(start)

	total := float64(iterations) * float64(n)
	fmt.Printf("%d copies of %d bytes in %v (%.1f MB/s)\n",
		iterations, n, elapsed, total/elapsed.Seconds()/1e6)
}
