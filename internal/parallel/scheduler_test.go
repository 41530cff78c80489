package parallel_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/gauntlet/internal/parallel"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler() *parallel.Scheduler {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return parallel.New(log)
}

func TestRunAllReturnsOutcomesInInputOrder(t *testing.T) {
	var units []parallel.Unit
	for i := 0; i < 10; i++ {
		i := i
		units = append(units, parallel.Unit{
			Name: fmt.Sprintf("unit-%d", i),
			Run: func() error {
				if i%3 == 0 {
					return fmt.Errorf("unit %d failed", i)
				}
				return nil
			},
		})
	}

	outcomes := newScheduler().RunAll(context.Background(), units, 4)
	require.Len(t, outcomes, 10)
	for i, out := range outcomes {
		assert.Equal(t, fmt.Sprintf("unit-%d", i), out.Name)
		if i%3 == 0 {
			assert.True(t, out.Failed())
		} else {
			assert.NoError(t, out.Err)
		}
	}
}

func TestPanicBecomesFailedOutcomeAndSparesSiblings(t *testing.T) {
	var completed atomic.Int32
	units := []parallel.Unit{
		{Name: "ok-1", Run: func() error { completed.Add(1); return nil }},
		{Name: "boom", Run: func() error { panic("judge exploded") }},
		{Name: "ok-2", Run: func() error { completed.Add(1); return nil }},
	}

	outcomes := newScheduler().RunAll(context.Background(), units, 3)
	assert.Equal(t, int32(2), completed.Load())
	require.True(t, outcomes[1].Failed())
	assert.Contains(t, outcomes[1].Err.Error(), "judge exploded")
	assert.NoError(t, outcomes[0].Err)
	assert.NoError(t, outcomes[2].Err)
}

func TestSequentialPathForSingleWorker(t *testing.T) {
	var order []int
	var units []parallel.Unit
	for i := 0; i < 5; i++ {
		i := i
		units = append(units, parallel.Unit{
			Name: fmt.Sprintf("u%d", i),
			// Appends without synchronization: safe only if execution is
			// actually sequential, which is what this test asserts.
			Run: func() error { order = append(order, i); return nil },
		})
	}
	newScheduler().RunAll(context.Background(), units, 1)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestConcurrencyBoundIsRespected(t *testing.T) {
	const bound = 3
	var active, peak atomic.Int32
	var units []parallel.Unit
	for i := 0; i < 12; i++ {
		units = append(units, parallel.Unit{
			Name: "unit",
			Run: func() error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
				return nil
			},
		})
	}
	newScheduler().RunAll(context.Background(), units, bound)
	assert.LessOrEqual(t, peak.Load(), int32(bound))
}

func TestCancelledContextStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran atomic.Int32
	var units []parallel.Unit
	for i := 0; i < 6; i++ {
		i := i
		units = append(units, parallel.Unit{
			Name: fmt.Sprintf("u%d", i),
			Run: func() error {
				ran.Add(1)
				if i == 0 {
					cancel()
				}
				return nil
			},
		})
	}

	outcomes := newScheduler().RunAll(ctx, units, 1)

	// The first unit ran and cancelled; later units were never dispatched
	// and carry the context error instead.
	assert.Equal(t, int32(1), ran.Load())
	assert.NoError(t, outcomes[0].Err)
	for _, out := range outcomes[1:] {
		assert.True(t, errors.Is(out.Err, context.Canceled), "outcome %s: %v", out.Name, out.Err)
	}
}
