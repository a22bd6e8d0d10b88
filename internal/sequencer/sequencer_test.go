package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend/signalbot/internal/models"
)

func TestEnqueueReturnsOneBasedPosition(t *testing.T) {
	s := New(0, 0, func(ctx context.Context, sig models.Signal) {}, nil)
	assert.Equal(t, 1, s.Enqueue(models.Signal{Symbol: "A"}))
	assert.Equal(t, 2, s.Enqueue(models.Signal{Symbol: "B"}))
}

func TestRunDispatchesInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	s := New(0, 0, func(ctx context.Context, sig models.Signal) {
		mu.Lock()
		order = append(order, sig.Symbol)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	s.Enqueue(models.Signal{Symbol: "A"})
	s.Enqueue(models.Signal{Symbol: "B"})
	s.Enqueue(models.Signal{Symbol: "C"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestRunDrainsQueueBeforeStoppingOnCancel(t *testing.T) {
	processed := make(chan string, 8)
	s := New(0, 0, func(ctx context.Context, sig models.Signal) {
		processed <- sig.Symbol
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())

	s.Enqueue(models.Signal{Symbol: "A"})
	s.Enqueue(models.Signal{Symbol: "B"})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel despite an empty queue")
	}

	assert.Equal(t, 0, s.Depth())
	close(processed)
	var got []string
	for sym := range processed {
		got = append(got, sym)
	}
	assert.ElementsMatch(t, []string{"A", "B"}, got)
}

func TestWorkerPanicIsRecoveredAndQueueContinues(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	s := New(0, 0, func(ctx context.Context, sig models.Signal) {
		if sig.Symbol == "BOOM" {
			panic("simulated dispatch panic")
		}
		mu.Lock()
		processed = append(processed, sig.Symbol)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(models.Signal{Symbol: "BOOM"})
	s.Enqueue(models.Signal{Symbol: "AFTER"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"AFTER"}, processed)
}

func TestOldestQueuedAgeReflectsHeadOfQueue(t *testing.T) {
	s := New(0, 0, func(ctx context.Context, sig models.Signal) {}, nil)

	age, ok := s.OldestQueuedAge()
	assert.False(t, ok)
	assert.Zero(t, age)

	s.Enqueue(models.Signal{Symbol: "A", ReceivedAt: time.Now().Add(-5 * time.Second)})
	s.Enqueue(models.Signal{Symbol: "B", ReceivedAt: time.Now()})

	age, ok = s.OldestQueuedAge()
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, 5*time.Second)
}

func TestDepthReflectsQueuedNotInFlight(t *testing.T) {
	release := make(chan struct{})
	s := New(0, 0, func(ctx context.Context, sig models.Signal) {
		<-release
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(models.Signal{Symbol: "A"})
	s.Enqueue(models.Signal{Symbol: "B"})

	require.Eventually(t, func() bool {
		return s.Depth() == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
}
