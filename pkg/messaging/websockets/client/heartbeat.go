package client

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

// heartbeat runs tick on a cron schedule until stopped. A stopped heartbeat
// cannot be restarted; each connect cycle creates a new one.
type heartbeat struct {
	clock    clock.Clock
	schedule cron.Schedule
	tick     func()

	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

func startHeartbeat(clk clock.Clock, schedule cron.Schedule, tick func()) *heartbeat {
	h := &heartbeat{clock: clk, schedule: schedule, tick: tick}
	h.mu.Lock()
	h.arm()
	h.mu.Unlock()
	return h
}

// arm schedules the next tick. Callers hold h.mu.
func (h *heartbeat) arm() {
	now := h.clock.Now()
	h.timer = h.clock.AfterFunc(h.schedule.Next(now).Sub(now), h.fire)
}

// fire arms the next tick before running this one, so a slow tick cannot
// delay the schedule.
func (h *heartbeat) fire() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.arm()
	h.mu.Unlock()

	h.tick()
}

func (h *heartbeat) stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}
