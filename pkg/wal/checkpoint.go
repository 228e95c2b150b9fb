package wal

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCheckpointInterval is how often the checkpointer polls when
	// no threshold notification arrives.
	DefaultCheckpointInterval = time.Minute

	// DefaultCheckpointFrames is the frame count that triggers an
	// automatic checkpoint.
	DefaultCheckpointFrames = 1000
)

// Checkpointer folds WAL-resident pages back into the main file in the
// background. The flush function is supplied by the buffered-write
// layer and runs under the commit lock; interrupting it is safe, the
// next open just re-runs recovery over whatever remained.
type Checkpointer struct {
	wal       *WAL
	flushFn   func() error
	threshold int
	interval  time.Duration
	notifyCh  chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	log       zerolog.Logger
}

// NewCheckpointer creates a checkpointer with the given frame threshold.
func NewCheckpointer(w *WAL, threshold int, flushFn func() error, log zerolog.Logger) *Checkpointer {
	if threshold <= 0 {
		threshold = DefaultCheckpointFrames
	}
	return &Checkpointer{
		wal:       w,
		flushFn:   flushFn,
		threshold: threshold,
		interval:  DefaultCheckpointInterval,
		notifyCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       log,
	}
}

// Start launches the background loop.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop shuts the loop down and waits for it to finish.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Notify wakes the checkpointer to evaluate the threshold. Non-blocking.
func (c *Checkpointer) Notify() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

// SetInterval changes the poll interval. Call before Start.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.notifyCh:
			c.maybeCheckpoint()
		case <-ticker.C:
			c.maybeCheckpoint()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checkpointer) maybeCheckpoint() {
	if c.wal.FrameCount() < c.threshold {
		return
	}
	start := time.Now()
	if err := c.flushFn(); err != nil {
		c.log.Error().Err(err).Msg("checkpoint failed")
		return
	}
	c.log.Debug().Dur("took", time.Since(start)).Msg("checkpoint complete")
}
