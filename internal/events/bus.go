package events

import (
	"sync"
	"time"
)

// RunStarted is published once a run row exists.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	Total     int       `json:"total"`
	Valid     int       `json:"valid"`
	StartedAt time.Time `json:"started_at"`
}

// ItemProcessed is published after an item's outcome row is written.
type ItemProcessed struct {
	RunID        string `json:"run_id"`
	ItemID       string `json:"item_id"`
	Status       string `json:"status"`
	UsedFallback bool   `json:"used_fallback"`
}

// RunFinished is published when the run reaches its terminal status.
type RunFinished struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

// Bus provides simple in-process pub/sub for observability. Slow
// subscribers miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan any
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(sub <-chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *Bus) Publish(ev any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Name returns the wire name of a known event.
func Name(ev any) string {
	switch ev.(type) {
	case RunStarted:
		return "run_started"
	case ItemProcessed:
		return "item_processed"
	case RunFinished:
		return "run_finished"
	default:
		return "event"
	}
}
