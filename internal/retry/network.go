// internal/retry/network.go
package retry

import (
	"context"
	"net"
	"sync"
	"time"

	"estat-capture/internal/logger"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// NetworkMonitor 는 연결 상태 변화를 알린다.
// 네트워크가 돌아오면 fn(true), 끊기면 fn(false).
type NetworkMonitor interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Bus 는 프로세스 내부 NetworkMonitor 이다. online 으로 시작하고, 상태가 바뀔 때만 알린다.
type Bus struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

func NewBus() *Bus {
	return &Bus{online: true, listeners: make(map[int]func(bool))}
}

func (b *Bus) Subscribe(fn func(online bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish 는 상태를 기록하고, 바뀌었으면 listener 에 알린다.
func (b *Bus) Publish(online bool) {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return
	}
	b.online = online
	fns := make([]func(bool), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (b *Bus) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// ---------------------------------------------------------------
// Prober
// ---------------------------------------------------------------

// Dialer: net.Dialer 가 만족한다.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober 는 collector 의 host:port 로 주기적인 TCP 연결 확인을 하고,
// 결과를 Bus 에 publish 한다.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dialer   Dialer
	clock    clockwork.Clock
	bus      *Bus
	log      zerolog.Logger
}

func NewProber(addr string, interval time.Duration, bus *Bus, clock clockwork.Clock) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dialer:   &net.Dialer{},
		clock:    clock,
		bus:      bus,
		log:      logger.Component("network-prober"),
	}
}

// ProbeOnce 는 한 번 dial 하고 결과를 publish 한다.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	online := err == nil
	if online {
		_ = conn.Close()
	}

	if online != p.bus.Online() {
		ev := p.log.Info()
		if !online {
			ev = p.log.Warn().Err(err)
		}
		ev.Str("addr", p.addr).Bool("online", online).Msg("network state changed")
	}
	p.bus.Publish(online)
	return online
}

// Run 은 ctx 가 끝날 때까지 interval 마다 probe 한다.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.ProbeOnce(ctx)
		}
	}
}
