// Command relayd runs a relay server, or connects to one as a chat client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Broadcast relay for length-prefixed text messages",
		Long: `relayd accepts TCP clients and relays every text message one of them
sends to all connected clients, including the sender.

Each message is framed by a 64 byte ASCII header holding the payload
length. Clients are pinged periodically so dead peers are dropped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		chatCmd(),
		versionCmd(),
	)

	return rootCmd
}
