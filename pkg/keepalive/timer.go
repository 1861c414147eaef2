// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package keepalive implements the application-level heartbeat timer
// shared by both tunnel engines: a rearming, single-shot timer that fires
// a control frame after an idle period, keeping NAT/load-balancer state
// warm even when no UDP traffic is flowing.
package keepalive

import (
	"sync"
	"time"
)

// Timer is a rearming idle timer. A zero idle period disables the
// feature outright: every method becomes a no-op, checked once at
// construction so the disabled path costs nothing per call.
//
// ArmOrExtend and Cancel take an internal mutex, so a session's goroutines
// and the timer's own fire callback may call them concurrently.
type Timer struct {
	idle     time.Duration
	fire     func()
	disabled bool

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a Timer that invokes fire after idle seconds of inactivity.
// idle == 0 disables the timer.
func New(idle time.Duration, fire func()) *Timer {
	return &Timer{
		idle:     idle,
		fire:     fire,
		disabled: idle <= 0,
	}
}

// ArmOrExtend schedules the timer to fire idle after now. If the timer is
// already armed, this call extends its deadline: recent traffic postpones
// the next heartbeat. initial forces (re)scheduling even if a timer is
// already pending, which is what the fire handler uses to rearm itself.
func (t *Timer) ArmOrExtend(initial bool) {
	if t.disabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		t.timer = time.AfterFunc(t.idle, t.onFire)
		return
	}
	if initial {
		t.timer.Reset(t.idle)
		return
	}
	// Extend: recent traffic postpones the pending heartbeat.
	t.timer.Reset(t.idle)
}

// Cancel cancels any pending fire without running the handler.
func (t *Timer) Cancel() {
	if t.disabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Timer) onFire() {
	t.fire()
	t.ArmOrExtend(true)
}
