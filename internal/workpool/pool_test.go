package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRun_ReturnsValue(t *testing.T) {
	p := New(2)
	v, err := Run(context.Background(), p, "stitch", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRun_PropagatesError(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")
	_, err := Run(context.Background(), p, "stitch", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRun_RecoversPanic(t *testing.T) {
	p := New(1)
	_, err := Run(context.Background(), p, "warp_decode", func(context.Context) (int, error) {
		panic("tensor on fire")
	})
	require.Error(t, err)
	assert.Equal(t, portrait.KindSynthesis, portrait.KindOf(err))
	assert.Equal(t, "warp_decode", portrait.StageOf(err))
	assert.Contains(t, err.Error(), "tensor on fire")

	// the slot was released
	v, err := Run(context.Background(), p, "stitch", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	const size = 3
	p := New(size)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), p, "features", func(context.Context) (struct{}, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, size, p.Size())
}

func TestRun_CancelWhileRunningAbandonsResult(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, p, "warp_decode", func(context.Context) (int, error) {
		<-release
		close(finished)
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// the task still runs to completion and frees its slot
	close(release)
	<-finished
	p.Wait()

	v, err := Run(context.Background(), p, "parse_output", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestRun_CancelWhileQueuedNeverRuns(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = Run(context.Background(), p, "detect_and_crop", func(context.Context) (int, error) {
			close(started)
			<-block
			return 0, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	_, err := Run(ctx, p, "extract_features", func(context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	p.Wait()
	assert.False(t, ran.Load())
}

func TestRun_Observer(t *testing.T) {
	var mu sync.Mutex
	var stages []string
	var errs []error
	p := New(1, WithObserver(func(stage string, took time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, stage)
		errs = append(errs, err)
		assert.GreaterOrEqual(t, took, time.Duration(0))
	}))

	_, _ = Run(context.Background(), p, "stitch", func(context.Context) (int, error) { return 0, nil })
	_, _ = Run(context.Background(), p, "encode", func(context.Context) (int, error) { return 0, errors.New("nope") })
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stitch", "encode"}, stages)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
}

func TestNew_DefaultSize(t *testing.T) {
	assert.Positive(t, New(0).Size())
}
