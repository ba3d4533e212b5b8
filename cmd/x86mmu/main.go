// The x86mmu command exercises the MMU and bulk-transfer engine from
// the command line: it builds guest page tables in an in-memory
// physical store, runs bulk operations against them, and can record
// every operation into a SQLite trace.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "x86mmu",
	Short: "Exercise the x86 MMU and bulk-transfer engine.",
	Long: `x86mmu builds guest page tables in an emulated physical memory ` +
		`and drives the bulk-transfer engine against them. It is a ` +
		`development and demonstration harness, not part of the library.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
