// internal/capture/collect.go
package capture

import (
	"context"

	"estat-capture/internal/metrics"
	"estat-capture/internal/model"
	"estat-capture/internal/transport"
)

// collectLoop
//
// 이벤트를 batch key 별로 모아서 sendLoop 로 넘긴다.
//   - BatchSize 에 도달하면 즉시
//   - FlushInterval 마다 전체
//
// flush 는 항상 새 slice 로 시작한다. 넘긴 slice 는 이후 send 쪽 소유.
func (c *Client) collectLoop() {
	defer c.wg.Done()
	defer close(c.sendCh)

	batches := make(map[string][]model.Event, 2)

	ticker := c.clock.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(key string) {
		events := batches[key]
		if len(events) == 0 {
			return
		}
		c.sendCh <- batch{key: key, events: events}
		batches[key] = make([]model.Event, 0, c.cfg.BatchSize)
	}
	flushAll := func() {
		for key := range batches {
			flush(key)
		}
	}

	for {
		select {
		case ev, ok := <-c.eventCh:
			if !ok {
				// Shutdown 이 channel 을 닫음 → 남은 것 전부 전송
				flushAll()
				return
			}
			batches[ev.BatchKey] = append(batches[ev.BatchKey], ev)
			if len(batches[ev.BatchKey]) >= c.cfg.BatchSize {
				flush(ev.BatchKey)
			}

		case <-ticker.Chan():
			flushAll()
		}
	}
}

// sendLoop 는 collectLoop 가 sendCh 를 닫을 때까지 배치를 전송한다.
func (c *Client) sendLoop() {
	defer c.wg.Done()

	for b := range c.sendCh {
		c.send(b)
	}
	c.log.Info().Msg("send loop exiting")
}

// send
//   - quota window 안의 batch key → drop
//   - 그 외 → retry queue 로 전달
//   - 최종 응답마다 새 quota 제한이 있는지 확인한다
func (c *Client) send(b batch) {
	if len(b.events) == 0 {
		return
	}

	if c.quota.IsRateLimited(b.key) {
		c.log.Debug().Str("batch_key", b.key).Int("events", len(b.events)).Msg("batch dropped, quota limited")
		if c.metrics != nil {
			c.metrics.EventsDroppedTotal.WithLabelValues(metrics.ReasonQuotaLimited).Add(float64(len(b.events)))
		}
		return
	}

	// cancel 분리: Shutdown 이 이미 나간 배치를 중단하지 않도록
	c.queue.RetriableRequest(context.WithoutCancel(c.ctx), transport.RequestOptions{
		URL:         c.endpoint(b.key),
		Data:        b.events,
		Compression: c.cfg.Compression,
		Transport:   c.cfg.Transport,
		BatchKey:    b.key,
		Timeout:     c.cfg.RequestTimeout,
		Callback: func(resp transport.Response) {
			if resp.Text != "" {
				c.quota.CheckForLimiting([]byte(resp.Text))
			}
		},
	})
}
