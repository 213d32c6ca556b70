package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// statusBuffer sizes the per-subscriber status queue. Status events are
	// low-frequency; the buffer exists to absorb short subscriber stalls.
	statusBuffer = 256

	// progressBuffer sizes the per-subscriber progress queue. Progress is
	// lossy, so this only smooths bursts.
	progressBuffer = 256

	// statusPublishWait bounds how long a publisher blocks on a full status
	// queue before dropping the event with an error log. Subscribers must
	// not block; this is the last line of defense against one wedging the
	// monitor loop.
	statusPublishWait = 2 * time.Second
)

// Subscription is one subscriber's view of the bus. Channels are closed on
// Unsubscribe or bus Close.
type Subscription struct {
	name     string
	status   chan StatusChange
	progress chan ProgressChange
	session  chan SessionUpdate
}

// Status delivers statusChange events in publication order.
func (s *Subscription) Status() <-chan StatusChange { return s.status }

// Progress delivers progressChange events; slow consumers lose events.
func (s *Subscription) Progress() <-chan ProgressChange { return s.progress }

// Session delivers orchestrator session updates.
func (s *Subscription) Session() <-chan SessionUpdate { return s.session }

// Bus is the in-process publish/subscribe fabric between the monitor, the
// orchestrator and the WebSocket hub. Publishing is synchronous within the
// process; per-subscriber channels preserve per-job ordering.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a named subscriber. The name identifies the consumer
// in drop logs; subscribing twice with the same name replaces the first
// subscription.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:     name,
		status:   make(chan StatusChange, statusBuffer),
		progress: make(chan ProgressChange, progressBuffer),
		session:  make(chan SessionUpdate, statusBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		closeSub(sub)
		return sub
	}
	if old, ok := b.subs[name]; ok {
		closeSub(old)
	}
	b.subs[name] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channels.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[sub.name]; ok && cur == sub {
		delete(b.subs, sub.name)
		closeSub(sub)
	}
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		closeSub(sub)
	}
	b.subs = make(map[string]*Subscription)
}

// PublishStatus delivers a status change to every subscriber. A full
// subscriber queue blocks the publisher up to statusPublishWait; after
// that the event is dropped and logged, since a wedged dashboard must not
// stall job-state reconciliation.
//
// The read lock is held across the sends so a concurrent Unsubscribe/Close
// cannot close a channel mid-send. The bounded publish wait keeps that
// hold time finite.
func (b *Bus) PublishStatus(ev StatusChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.status <- ev:
		default:
			// Queue full: wait briefly, then give up.
			t := time.NewTimer(statusPublishWait)
			select {
			case sub.status <- ev:
				t.Stop()
			case <-t.C:
				slog.Error("Status event dropped for slow subscriber",
					"subscriber", sub.name, "job_id", ev.JobID, "new_status", ev.NewStatus)
			}
		}
	}
}

// PublishProgress delivers a progress change to every subscriber that has
// room; a full subscriber misses the update.
func (b *Bus) PublishProgress(ev ProgressChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.progress <- ev:
		default:
			slog.Debug("Progress event dropped for slow subscriber",
				"subscriber", sub.name, "job_id", ev.JobID)
		}
	}
}

// PublishSessionUpdate delivers an orchestrator session update with the
// same semantics as status events.
func (b *Bus) PublishSessionUpdate(ev SessionUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.session <- ev:
		default:
			t := time.NewTimer(statusPublishWait)
			select {
			case sub.session <- ev:
				t.Stop()
			case <-t.C:
				slog.Error("Session update dropped for slow subscriber",
					"subscriber", sub.name, "session_id", ev.SessionID)
			}
		}
	}
}

func closeSub(sub *Subscription) {
	close(sub.status)
	close(sub.progress)
	close(sub.session)
}
