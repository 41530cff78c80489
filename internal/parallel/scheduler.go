// Package parallel is the execution substrate for I/O-bound work: agent
// runs within a tier and judge calls within a run both go through it. It
// is deliberately workload-agnostic; a Unit is any no-argument closure.
package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Unit struct {
	Name string
	Run  func() error
}

type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
}

func (o Outcome) Failed() bool { return o.Err != nil }

type Scheduler struct {
	log *logrus.Entry
}

func New(log *logrus.Logger) *Scheduler {
	return &Scheduler{log: log.WithField("prefix", "scheduler")}
}

// RunAll executes every unit and returns one outcome per unit, in input
// order. With maxConcurrency <= 1 or a single unit it runs sequentially
// in-process, skipping pool setup. Otherwise units run on a bounded worker
// pool. A unit's panic or error never aborts its siblings. Once ctx is
// cancelled no further units are dispatched; units already running finish
// normally, and undispatched units get the context error as their outcome.
func (s *Scheduler) RunAll(ctx context.Context, units []Unit, maxConcurrency int) []Outcome {
	outcomes := make([]Outcome, len(units))
	if len(units) == 0 {
		return outcomes
	}
	started := time.Now()

	if maxConcurrency <= 1 || len(units) <= 1 {
		for i, u := range units {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{Name: u.Name, Err: err}
				continue
			}
			outcomes[i] = runSafe(u)
			s.progress(i+1, len(units), started)
		}
		return outcomes
	}

	var (
		mu   sync.Mutex
		done int
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, maxConcurrency)

	for i, u := range units {
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{Name: u.Name, Err: err}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, u Unit) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = runSafe(u)

			// Only the counter update happens under the lock; the
			// progress line is formatted and logged outside it.
			mu.Lock()
			done++
			completed := done
			mu.Unlock()
			s.progress(completed, len(units), started)
		}(i, u)
	}
	wg.Wait()
	return outcomes
}

// runSafe converts a panicking unit into a failed outcome so one crash
// can't corrupt the pool or take sibling units down with it.
func runSafe(u Unit) (out Outcome) {
	out.Name = u.Name
	started := time.Now()
	defer func() {
		out.Duration = time.Since(started)
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("panic in %s: %v", u.Name, r)
		}
	}()
	out.Err = u.Run()
	return out
}

func (s *Scheduler) progress(completed, total int, started time.Time) {
	elapsed := time.Since(started)
	var remaining time.Duration
	if completed > 0 {
		remaining = time.Duration(float64(elapsed) / float64(completed) * float64(total-completed))
	}
	s.log.Infof("[%d/%d] elapsed %s, est. remaining %s",
		completed, total, elapsed.Round(time.Second), remaining.Round(time.Second))
}
