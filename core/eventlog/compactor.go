package eventlog

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Compactor runs a maintenance task on a fixed interval in its own goroutine until
// stopped. The running flag is the only signal the loop checks between ticks.
type Compactor struct {
	interval time.Duration
	task     func() error
	logger   *slog.Logger

	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartCompactor launches the loop. The first run happens one interval after start.
func StartCompactor(interval time.Duration, task func() error, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	compactor := &Compactor{
		interval: interval,
		task:     task,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	compactor.running.Store(true)
	go compactor.loop()
	return compactor
}

func (c *Compactor) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for c.running.Load() {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.running.Load() {
				return
			}
			if err := c.task(); err != nil {
				c.logger.Warn("background compaction failed", "error", err)
			}
		}
	}
}

func (c *Compactor) Running() bool {
	return c != nil && c.running.Load()
}

// Stop clears the running flag and waits for the loop to exit. A task already in
// progress finishes first.
func (c *Compactor) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		c.running.Store(false)
		close(c.stop)
	})
	<-c.done
}
