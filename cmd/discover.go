package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/luma/candela/discovery"
)

var (
	// How long to browse for bridges
	discoverTimeout time.Duration
)

func init() {
	flags := DiscoverCmd.PersistentFlags()

	flags.DurationVar(&discoverTimeout, "timeout", 10*time.Second, "How long to browse for bridges")
}

var DiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find bridges on the local network",
	Long: `Find bridges on the local network

Browses mDNS for bridges and prints one line per bridge found.

Usage
	candela discover

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
		defer cancel()

		bridges, err := discovery.Browse(ctx)
		if err != nil {
			return err
		}

		found := false
		for bridge := range bridges {
			found = true
			fmt.Printf("%s\t%s\t%s\n",
				bridge.BridgeID, strings.Join(bridge.Addresses, ","), bridge.InstanceName)
		}

		if !found {
			fmt.Fprintln(os.Stderr, "no bridges found")
		}

		return nil
	},
}
