package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

// Monitor polls every active run on an interval with a bounded worker pool.
type Monitor struct {
	dispatcher *Dispatcher
	interval   time.Duration
	workers    int
	logger     zerolog.Logger

	// pendingGrace is how long a correlation may stay pending before the
	// run is considered abandoned by its submitter.
	pendingGrace time.Duration
}

// DefaultPendingGrace bounds the time a submission may take to reach its
// backend, start retries included.
const DefaultPendingGrace = 10 * time.Minute

// NewMonitor creates a run monitor.
func NewMonitor(d *Dispatcher, interval time.Duration, workers int, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Monitor{
		dispatcher: d,
		interval:   interval,
		workers:    workers,
		logger:     logger.With().Str("component", "monitor").Logger(),

		pendingGrace: DefaultPendingGrace,
	}
}

// WithPendingGrace overrides DefaultPendingGrace.
func (m *Monitor) WithPendingGrace(d time.Duration) *Monitor {
	m.pendingGrace = d
	return m
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Int("workers", m.workers).Msg("run monitor started")
	for {
		if err := m.PollActive(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("poll cycle finished with errors")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.logger.Info().Msg("run monitor stopped")
			return nil
		}
	}
}

// PollActive polls all active runs once and returns the first error.
func (m *Monitor) PollActive(ctx context.Context) error {
	corrs, err := m.dispatcher.store.ListCorrelations(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list correlations: %w", err)
	}
	telemetry.SetActiveRuns(ctx, len(corrs))
	if len(corrs) == 0 {
		return nil
	}

	workerCount := m.workers
	if len(corrs) < workerCount {
		workerCount = len(corrs)
	}

	workQueue := make(chan *Correlation, len(corrs))
	for _, c := range corrs {
		workQueue <- c
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(corrs))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for c := range workQueue {
				select {
				case <-ctx.Done():
					return
				default:
				}

				key, err := ParseKey(c.Run)
				if err != nil {
					errChan <- err
					continue
				}
				var run *Entity
				if c.Pending() {
					if m.dispatcher.now().Sub(c.UpdatedAt) < m.pendingGrace {
						continue
					}
					run, err = m.dispatcher.failInterrupted(ctx, key)
				} else {
					run, err = m.dispatcher.Poll(ctx, key)
				}
				if err != nil {
					errChan <- fmt.Errorf("run %s: %w", c.Run, err)
					continue
				}
				if run.Status.State.IsTerminal() {
					m.logger.Info().Str("run", c.Run).Str("state", string(run.Status.State)).Msg("run finished")
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
