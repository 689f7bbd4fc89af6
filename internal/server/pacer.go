package server

import (
	"context"
	"time"

	"github.com/dvcrn/dify-proxy/internal/metrics"
)

// FlushDelay is used for every character still queued when the upstream
// reports message_end.
const FlushDelay = time.Millisecond

// PaceDelay maps the number of characters still queued to the wait after
// emitting one. Deeper backlogs drain faster.
func PaceDelay(depth int) time.Duration {
	switch {
	case depth > 30:
		return time.Millisecond
	case depth > 20:
		return 2 * time.Millisecond
	case depth > 10:
		return 10 * time.Millisecond
	default:
		return 20 * time.Millisecond
	}
}

type pendingChar struct {
	r         rune
	messageID string
}

// Pacer emits queued answer characters one at a time with a depth driven
// delay between them.
type Pacer struct {
	queue []pendingChar

	delay func(depth int) time.Duration
	wait  func(ctx context.Context, d time.Duration) error
}

func NewPacer() *Pacer {
	return &Pacer{delay: PaceDelay, wait: sleepContext}
}

// Push queues every character of text under messageID.
func (p *Pacer) Push(text, messageID string) {
	for _, r := range text {
		p.queue = append(p.queue, pendingChar{r: r, messageID: messageID})
	}
}

// Len is the current queue depth.
func (p *Pacer) Len() int {
	return len(p.queue)
}

// Drain emits the whole queue. With final set the depth bands are ignored
// and every character waits FlushDelay.
func (p *Pacer) Drain(ctx context.Context, final bool, emit func(r rune, messageID string) error) error {
	for len(p.queue) > 0 {
		c := p.queue[0]
		p.queue = p.queue[1:]
		if err := emit(c.r, c.messageID); err != nil {
			return err
		}
		metrics.PacedCharactersTotal.Inc()

		d := FlushDelay
		if !final {
			d = p.delay(len(p.queue))
		}
		if err := p.wait(ctx, d); err != nil {
			return err
		}
	}
	p.queue = nil
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
