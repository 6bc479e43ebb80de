package joblog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(b *Broadcaster, jobID string, n int) {
	base := time.Now().UTC()
	for i := 0; i < n; i++ {
		b.Publish(Event{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Level:     LevelInfo,
			Message:   fmt.Sprintf("line %d", i),
			JobID:     jobID,
		})
	}
}

func TestBroadcaster_ReplayThenLive(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	publishN(b, "job-a", 3)

	replay, sub := b.Subscribe("job-a")
	defer b.Unsubscribe(sub)

	require.Len(t, replay, 3)
	assert.Equal(t, "line 0", replay[0].Message)
	assert.Equal(t, "line 2", replay[2].Message)

	b.Publish(Event{Level: LevelSuccess, Message: "done", JobID: "job-a"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, LevelSuccess, ev.Level)
		assert.Equal(t, "done", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("expected live event after replay")
	}
}

func TestBroadcaster_HistoryCapEvictsOldest(t *testing.T) {
	b := New(Config{HistoryCap: 5, SubscriberBuffer: 8})
	defer b.Close()

	publishN(b, "job-a", 12)

	hist := b.History("job-a")
	require.Len(t, hist, 5)
	assert.Equal(t, "line 7", hist[0].Message)
	assert.Equal(t, "line 11", hist[4].Message)
}

func TestBroadcaster_SlowSubscriberGetsGapWarning(t *testing.T) {
	b := New(Config{HistoryCap: 100, SubscriberBuffer: 2})
	defer b.Close()

	_, sub := b.Subscribe("job-a")
	defer b.Unsubscribe(sub)

	// Nobody drains: overflow must drop oldest and inject one gap marker
	// without ever blocking the publisher.
	done := make(chan struct{})
	go func() {
		publishN(b, "job-a", 20)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	var sawGap bool
	var drained []Event
	for {
		select {
		case ev := <-sub.C:
			drained = append(drained, ev)
			if ev.Level == LevelWarning {
				sawGap = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawGap, "expected synthetic gap warning, got %d events", len(drained))
	assert.LessOrEqual(t, len(drained), 2)
}

func TestBroadcaster_JobsAreIsolated(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	publishN(b, "job-a", 2)
	publishN(b, "job-b", 3)

	replayA, subA := b.Subscribe("job-a")
	defer b.Unsubscribe(subA)
	require.Len(t, replayA, 2)

	b.Publish(Event{Level: LevelInfo, Message: "b only", JobID: "job-b"})

	select {
	case ev := <-subA.C:
		t.Fatalf("job-a subscriber received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SubscribeAllWithPattern(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	publishN(b, "job-a", 1)
	publishN(b, "job-b", 1)

	tests := []struct {
		pattern string
		want    int
	}{
		{"", 2},
		{"*", 2},
		{"job-a", 1},
		{"job-*", 2},
		{"other", 0},
	}
	for _, tt := range tests {
		t.Run("pattern "+tt.pattern, func(t *testing.T) {
			replay, sub := b.Subscribe(tt.pattern)
			defer b.Unsubscribe(sub)
			assert.Len(t, replay, tt.want)
		})
	}
}

func TestBroadcaster_PerSubscriberOrderIsMonotonic(t *testing.T) {
	b := New(Config{HistoryCap: 100, SubscriberBuffer: 128})
	defer b.Close()

	_, sub := b.Subscribe("job-a")
	defer b.Unsubscribe(sub)

	publishN(b, "job-a", 50)

	var prev time.Time
	for i := 0; i < 50; i++ {
		select {
		case ev := <-sub.C:
			if ev.Timestamp.Before(prev) {
				t.Fatalf("timestamp went backwards at event %d", i)
			}
			prev = ev.Timestamp
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBroadcaster_UnsubscribeIsIdempotent(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	_, sub := b.Subscribe("job-a")
	b.Unsubscribe(sub)
	assert.NotPanics(t, func() { b.Unsubscribe(sub) })

	// Channel is closed after unsubscribe.
	_, open := <-sub.C
	assert.False(t, open)
}

func TestBroadcaster_ReclaimDropsHistory(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	publishN(b, "job-a", 4)
	got := b.Reclaim("job-a")
	require.Len(t, got, 4)
	assert.Empty(t, b.History("job-a"))
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	b := New(DefaultConfig())
	_, sub := b.Subscribe("")
	b.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// Publish after close is a no-op.
	assert.NotPanics(t, func() { b.Publish(Event{JobID: "x", Message: "late"}) })
}
