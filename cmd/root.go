package cmd

import (
	"fmt"
	"os"

	"github.com/kiln-db/kiln/cmd/bench"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kiln",
		Short: "in-memory storage engine for background jobs",
		Long: fmt.Sprintf(`kiln (v%s)

An in-memory storage engine for background-job processing: jobs, queues,
and auxiliary structures with indexing, expiration and locking, held
entirely in process memory.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kiln",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kiln v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
