package joblog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Config bounds the broadcaster's buffers.
type Config struct {
	// HistoryCap is the per-job replay buffer size. Oldest events are
	// evicted beyond the cap.
	HistoryCap int

	// SubscriberBuffer is the per-subscriber queue size. A publish never
	// blocks: on overflow the oldest queued event is dropped and a single
	// synthetic WARNING marks the gap.
	SubscriberBuffer int
}

// DefaultConfig returns the default broadcaster configuration.
func DefaultConfig() Config {
	return Config{HistoryCap: 100, SubscriberBuffer: 64}
}

// Subscription is one observer's live event queue. The channel is closed
// when the subscription is cancelled or the broadcaster shuts down.
type Subscription struct {
	C <-chan Event

	id      int
	pattern string
	ch      chan Event
	gapped  bool
}

// Broadcaster fans out per-job events to any number of observers, keeping
// a bounded history per job for replay to late subscribers.
//
// Jobs are isolated: each job id owns its own history, and cross-job event
// ordering is not defined. Within one job, events reach each subscriber in
// publish order.
type Broadcaster struct {
	cfg Config

	mu        sync.Mutex
	histories map[string][]Event
	subs      map[int]*Subscription
	nextSubID int
	closed    bool
}

// New creates a broadcaster. Zero or negative config fields fall back to
// defaults.
func New(cfg Config) *Broadcaster {
	def := DefaultConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	return &Broadcaster{
		cfg:       cfg,
		histories: make(map[string][]Event),
		subs:      make(map[int]*Subscription),
	}
}

// Publish appends ev to its job's history and pushes it to every matching
// live subscriber. Never blocks on a slow subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	hist := append(b.histories[ev.JobID], ev)
	if over := len(hist) - b.cfg.HistoryCap; over > 0 {
		hist = hist[over:]
	}
	b.histories[ev.JobID] = hist

	for _, sub := range b.subs {
		if matchJobID(sub.pattern, ev.JobID) {
			b.deliver(sub, ev)
		}
	}
}

// deliver enqueues ev without blocking. On a full queue it drops the
// oldest queued event and flags the gap with one synthetic WARNING.
// Caller holds b.mu.
func (b *Broadcaster) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		sub.gapped = false
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}

	if !sub.gapped {
		sub.gapped = true
		warn := Event{
			Timestamp: ev.Timestamp,
			Level:     LevelWarning,
			Message:   "log stream gap: subscriber too slow, older events dropped",
			JobID:     ev.JobID,
		}
		select {
		case sub.ch <- warn:
			// Make room for the event itself.
			select {
			case sub.ch <- ev:
				return
			default:
			}
			select {
			case <-sub.ch:
			default:
			}
		default:
		}
	}

	select {
	case sub.ch <- ev:
	default:
	}
}

// Subscribe registers an observer for job ids matching pattern and returns
// the matching history for replay plus the live subscription. Pattern may
// be an exact job id, empty (all jobs), or a doublestar glob such as "*".
//
// Callers must consume replay before ranging the live channel to preserve
// replay-then-live ordering.
func (b *Broadcaster) Subscribe(pattern string) ([]Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.cfg.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, pattern: pattern, id: b.nextSubID}
	b.nextSubID++

	var replay []Event
	for jobID, hist := range b.histories {
		if matchJobID(pattern, jobID) {
			replay = append(replay, hist...)
		}
	}
	sortEvents(replay)

	if b.closed {
		close(ch)
		return replay, sub
	}
	b.subs[sub.id] = sub
	return replay, sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than
// once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// History returns a copy of the current replay buffer for one job.
func (b *Broadcaster) History(jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := b.histories[jobID]
	out := make([]Event, len(hist))
	copy(out, hist)
	return out
}

// Reclaim drops a job's history, returning what was buffered. Used by the
// archive pass once a job leaves the live registry.
func (b *Broadcaster) Reclaim(jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := b.histories[jobID]
	delete(b.histories, jobID)
	return hist
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func matchJobID(pattern, jobID string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == jobID {
		return true
	}
	ok, err := doublestar.Match(pattern, jobID)
	return err == nil && ok
}

// sortEvents orders a replay slice by timestamp, stable on publish order
// within a job because histories are already ordered.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
