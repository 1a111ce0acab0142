package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-relay/client"
)

func chatCmd() *cobra.Command {
	cfg := client.DefaultConfig("localhost:8098")

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a relay and chat from the terminal",
		Long: `Connect to a relay server. Every line read from stdin is sent as one
message and every relayed message is printed on its own line.

Examples:
  relayd chat
  relayd chat --addr=relay.internal:8098`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&cfg.Address, "addr", "a", cfg.Address, "Relay server address")
	cmd.Flags().DurationVar(&cfg.ConnectionTimeout, "timeout", 5*time.Second, "Dial timeout")

	return cmd
}

// chatLinger is how long runChat keeps printing after the input ends while
// it waits for the relay to echo the last line it sent.
var chatLinger = 2 * time.Second

// runChat sends each input line and prints each relayed message until ctx is
// cancelled or the server hangs up. When the input ends, it keeps printing
// until the last sent line comes back from the relay or chatLinger passes.
func runChat(ctx context.Context, cfg client.Config, in io.Reader, out io.Writer) error {
	c, err := client.Dial(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// last is the most recent line sent and not yet seen back; echoed is set
	// once the input has ended and is closed when that line arrives.
	var (
		mu     sync.Mutex
		last   string
		echoed chan struct{}
	)

	go func() {
		defer cancel()

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" {
				continue
			}

			mu.Lock()
			last = line
			mu.Unlock()

			if err := c.Send(line); err != nil {
				return
			}
		}

		mu.Lock()
		if last == "" {
			mu.Unlock()
			return
		}
		echoed = make(chan struct{})
		wait := echoed
		mu.Unlock()

		linger := time.NewTimer(chatLinger)
		defer linger.Stop()

		select {
		case <-wait:
		case <-linger.C:
		case <-ctx.Done():
		}
	}()

	err = c.Run(ctx, func(text string) {
		fmt.Fprintln(out, text)

		mu.Lock()
		defer mu.Unlock()
		if last != "" && text == last {
			last = ""
			if echoed != nil {
				close(echoed)
				echoed = nil
			}
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
