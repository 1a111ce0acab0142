package throttle

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	l := New(0, time.Minute)
	assert.Nil(t, l)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
	}
	assert.True(t, l.AllowAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}))
	assert.NotPanics(t, l.Reset)
}

func TestLimiter_Allow(t *testing.T) {
	l := New(3, time.Minute)
	require.NotNil(t, l)

	t.Run("admits up to the limit", func(t *testing.T) {
		assert.True(t, l.Allow("a"))
		assert.True(t, l.Allow("a"))
		assert.True(t, l.Allow("a"))
		assert.False(t, l.Allow("a"))
		assert.False(t, l.Allow("a"))
	})

	t.Run("hosts are counted separately", func(t *testing.T) {
		assert.True(t, l.Allow("b"))
	})

	t.Run("reset clears counters", func(t *testing.T) {
		l.Reset()
		assert.True(t, l.Allow("a"))
	})
}

func TestLimiter_WindowExpires(t *testing.T) {
	l := New(1, 30*time.Millisecond)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow("a"))
}

func TestLimiter_AllowAddr(t *testing.T) {
	l := New(1, time.Minute)

	first := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 40000}
	second := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 40001}

	assert.True(t, l.AllowAddr(first))
	assert.False(t, l.AllowAddr(second), "ports of one host share a counter")
	assert.True(t, l.AllowAddr(nil))
}

func TestLimiter_Concurrent(t *testing.T) {
	l := New(10, time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			if l.Allow("host") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", HostOf("127.0.0.1:8098"))
	assert.Equal(t, "::1", HostOf("[::1]:8098"))
	assert.Equal(t, "pipe", HostOf("pipe"))
}
