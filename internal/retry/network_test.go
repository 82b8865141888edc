package retry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProber_ReachableAndUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	bus := NewBus()
	var changes []bool
	bus.Subscribe(func(online bool) { changes = append(changes, online) })

	p := NewProber(addr, time.Second, bus, clockwork.NewFakeClock())
	assert.True(t, p.ProbeOnce(context.Background()))
	assert.Empty(t, changes, "already online")

	require.NoError(t, ln.Close())
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, bus.Online())
	assert.Equal(t, []bool{false}, changes)
}

func TestProber_RunTicks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	clock := clockwork.NewFakeClock()
	bus := NewBus()
	p := NewProber(addr, time.Second, bus, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return !bus.Online() }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestProber_ZeroIntervalDoesNotRun(t *testing.T) {
	p := NewProber("127.0.0.1:1", 0, NewBus(), clockwork.NewFakeClock())
	p.Run(context.Background()) // returns immediately
}
