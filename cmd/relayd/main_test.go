package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/client"
	"github.com/cyberinferno/go-relay/config"
	"github.com/cyberinferno/go-relay/tcpserver"
)

const waitFor = 2 * time.Second

// syncBuffer is a bytes.Buffer safe for one writer and one polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func serveTestConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"
	return cfg
}

func TestVersionCmd(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"version", "--short"})

		require.NoError(t, cmd.Execute())
		assert.Equal(t, "dev\n", out.String())
	})

	t.Run("long", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"version"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "relayd dev")
		assert.Contains(t, out.String(), "Go version")
	})
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--heartbeat=0s", "--send-queue=0"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat interval")
	assert.Contains(t, err.Error(), "send queue")
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := serveTestConfig()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("runServe did not return")
	}
}

func TestRunChat(t *testing.T) {
	srv := tcpserver.New(tcpserver.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	in, inWriter := io.Pipe()
	var out syncBuffer

	errCh := make(chan error, 1)
	go func() {
		errCh <- runChat(context.Background(), client.DefaultConfig(srv.ListenAddr().String()), in, &out)
	}()

	require.Eventually(t, func() bool { return srv.Registry.Size() == 1 }, waitFor, 5*time.Millisecond)

	_, err := io.WriteString(inWriter, "hello\r\n\nworld\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "hello\nworld\n", out.String(), "blank lines are not sent")

	require.NoError(t, inWriter.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err, "end of input ends the chat")
	case <-time.After(waitFor):
		t.Fatal("runChat did not return")
	}
}

func TestRunChat_InputEndsBeforeEcho(t *testing.T) {
	srv := tcpserver.New(tcpserver.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	var out syncBuffer
	err := runChat(context.Background(), client.DefaultConfig(srv.ListenAddr().String()), strings.NewReader("hi\n"), &out)

	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.String(), "the echo of the last line is printed")
}

func TestRunChat_LingerWithoutEcho(t *testing.T) {
	prev := chatLinger
	chatLinger = 50 * time.Millisecond
	t.Cleanup(func() { chatLinger = prev })

	// A listener that accepts and never relays anything back.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		_, _ = io.Copy(io.Discard, nc)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runChat(context.Background(), client.DefaultConfig(ln.Addr().String()), strings.NewReader("unanswered\n"), io.Discard)
	}()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("runChat did not return after the linger period")
	}
}

func TestRunChat_DialError(t *testing.T) {
	cfg := client.DefaultConfig("127.0.0.1:1")
	cfg.ConnectionTimeout = 200 * time.Millisecond

	err := runChat(context.Background(), cfg, strings.NewReader(""), io.Discard)
	assert.Error(t, err)
}
