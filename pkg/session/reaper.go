package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapInterval = time.Minute
)

// Reaper deletes sessions that have been idle longer than a timeout.
// Sessions held by a run are never reaped.
type Reaper struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewReaper creates a reaper. Zero durations take the defaults.
func NewReaper(manager *Manager, idleTimeout, interval time.Duration) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		manager:     manager,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Start runs the reaper loop in the background.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)

	log.Info().Dur("idle_timeout", r.idleTimeout).Msg("Session reaper started")
	return nil
}

// Stop ends the loop and waits for it to exit.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is not running")
	}
	close(r.stopCh)
	done := r.doneCh
	r.running = false
	r.mu.Unlock()

	<-done
	log.Info().Msg("Session reaper stopped")
	return nil
}

func (r *Reaper) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReapNow(time.Now())
		case <-stop:
			return
		}
	}
}

// ReapNow deletes every idle session as of now and returns how many were removed.
func (r *Reaper) ReapNow(now time.Time) int {
	reaped := 0
	for _, info := range r.manager.List() {
		if info.Busy || now.Sub(info.LastActive) < r.idleTimeout {
			continue
		}
		if err := r.manager.Delete(context.Background(), info.ID); err != nil {
			continue
		}
		reaped++
	}

	if reaped > 0 {
		log.Info().Int("reaped", reaped).Msg("Idle sessions removed")
	}
	return reaped
}
