package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/candela/cmd/gen"
	"github.com/luma/candela/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:     "candela",
	Short:   "A client for CLIP v2 smart-lighting bridges",
	Long:    `A client for CLIP v2 smart-lighting bridges`,
	Version: meta.Version,
}

func init() {
	rootCmd.AddCommand(WatchCmd)
	rootCmd.AddCommand(GetCmd)
	rootCmd.AddCommand(PutCmd)
	rootCmd.AddCommand(RegisterCmd)
	rootCmd.AddCommand(DiscoverCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
