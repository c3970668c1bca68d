// Package accounting implements the FSM's acct_req counters and the
// ReqEnd/End log records its dispatch loop emits on DONE, fanned out to
// in-process subscribers and optionally mirrored to Cloud
// Pub/Sub for durable delivery — the embed-and-fan-out shape of
// events.PubSubEventBus, adapted from CloudEvents to request-completion
// records.
package accounting

import (
	"encoding/json"
	"sync"
	"time"
)

// Record is one completed request's accounting summary, the Go analogue
// of the reference's ReqEnd/End log record pair.
type Record struct {
	RequestID  string        `json:"request_id"`
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	Digest     string        `json:"digest,omitempty"`
	Kind       string        `json:"kind"` // hit, fetch, pass, pipe, error
	Status     int           `json:"status"`
	Restarts   int           `json:"restarts"`
	TReq       time.Time     `json:"t_req"`
	TResp      time.Time     `json:"t_resp"`
	Duration   time.Duration `json:"duration_ns"`
	DoClose    string        `json:"do_close,omitempty"`
}

func (r *Record) JSON() ([]byte, error) { return json.Marshal(r) }

// Bus is an in-process fan-out of completed Records to any number of live
// in-process subscribers, mirroring
// events.EventBus's subscribe/publish/unsubscribe shape.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan *Record
	bufSize int
}

// NewBus creates an empty bus with a bounded per-subscriber buffer so a
// slow consumer drops records instead of blocking request completion.
func NewBus() *Bus {
	return &Bus{bufSize: 64}
}

// Subscribe registers a channel that receives every published Record.
func (b *Bus) Subscribe() chan *Record {
	ch := make(chan *Record, b.bufSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch chan *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish fans rec out to every subscriber, dropping on a full buffer
// rather than blocking.
func (b *Bus) Publish(rec *Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
