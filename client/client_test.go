package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/frame"
)

func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })

	c := New(local, DefaultConfig("pipe"))
	t.Cleanup(func() { _ = c.Close() })

	return c, remote
}

func writeFrame(t *testing.T, w io.Writer, text string) {
	t.Helper()

	encoded, err := frame.Encode(text)
	if assert.NoError(t, err) {
		_, err = w.Write(encoded)
		assert.NoError(t, err)
	}
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("localhost:8098")

	assert.Equal(t, "localhost:8098", cfg.Address)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, frame.DefaultMaxPayloadSize, cfg.MaxPayloadSize)
}

func TestClient_Send(t *testing.T) {
	c, remote := pipeClient(t)
	assert.Equal(t, Connected, c.State())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Send("hello"))
		assert.NoError(t, c.Ping())
	}()

	got, err := frame.DecodeOne(remote)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	got, err = frame.DecodeOne(remote)
	require.NoError(t, err)
	assert.Equal(t, "ping", got)

	<-done
}

func TestClient_Receive(t *testing.T) {
	c, remote := pipeClient(t)

	go func() {
		writeFrame(t, remote, "ping")
		writeFrame(t, remote, "first")
		writeFrame(t, remote, "ping")
		writeFrame(t, remote, "second")
	}()

	got, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, "first", got, "pings are skipped")

	got, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestClient_ReceiveAfterHangup(t *testing.T) {
	c, remote := pipeClient(t)
	require.NoError(t, remote.Close())

	_, err := c.Receive()
	require.Error(t, err)
	assert.ErrorIs(t, err, frame.ErrConnectionClosed)
	assert.Equal(t, Closed, c.State())

	_, err = c.Receive()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Send("late"), ErrNotConnected)
}

func TestClient_ZeroConfigBoundsPayload(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })

	c := New(local, Config{})
	t.Cleanup(func() { _ = c.Close() })

	go func() {
		_, _ = fmt.Fprintf(remote, "%-64d", int64(1)<<62)
	}()

	_, err := c.Receive()
	assert.ErrorIs(t, err, frame.ErrPayloadTooLarge)
	assert.Equal(t, Closed, c.State())
}

func TestClient_Run(t *testing.T) {
	t.Run("delivers messages until the stream ends", func(t *testing.T) {
		c, remote := pipeClient(t)

		go func() {
			writeFrame(t, remote, "a")
			writeFrame(t, remote, "ping")
			writeFrame(t, remote, "b")
			_ = remote.Close()
		}()

		var got []string
		err := c.Run(context.Background(), func(text string) { got = append(got, text) })

		assert.ErrorIs(t, err, frame.ErrConnectionClosed)
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("cancelling the context closes the client", func(t *testing.T) {
		c, _ := pipeClient(t)
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx, func(string) {}) }()

		cancel()

		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
		assert.Equal(t, Closed, c.State())
	})
}

func TestClient_Close(t *testing.T) {
	c, _ := pipeClient(t)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close(), "second close is a no-op")
	assert.Equal(t, Closed, c.State())
}

func TestDial(t *testing.T) {
	t.Run("connects to a listener", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		accepted := make(chan net.Conn, 1)
		go func() {
			nc, err := ln.Accept()
			if err == nil {
				accepted <- nc
			}
		}()

		c, err := Dial(DefaultConfig(ln.Addr().String()))
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, Connected, c.State())

		server := <-accepted
		defer server.Close()

		require.NoError(t, c.Send("over tcp"))
		got, err := frame.DecodeOne(server)
		require.NoError(t, err)
		assert.Equal(t, "over tcp", got)
	})

	t.Run("fails when nothing listens", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		cfg := DefaultConfig(addr)
		cfg.ConnectionTimeout = time.Second
		_, err = Dial(cfg)
		assert.Error(t, err)
	})
}
