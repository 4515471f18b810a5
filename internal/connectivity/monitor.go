// Package connectivity tracks whether the remote store is believed reachable
// and turns lifecycle events into reconciliation triggers.
package connectivity

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Trigger is an event that may start a reconciliation.
type Trigger string

// Triggers that start a reconciliation.
const (
	TriggerStartup Trigger = "startup"
	TriggerOnline  Trigger = "online"
	TriggerOffline Trigger = "offline"
	TriggerFocus   Trigger = "focus"
	TriggerVisible Trigger = "visible"
)

// ParseTrigger validates a lifecycle event name coming from a client.
// Startup is internal and not accepted.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(strings.ToLower(strings.TrimSpace(s))); t {
	case TriggerOnline, TriggerOffline, TriggerFocus, TriggerVisible:
		return t, nil
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// Monitor holds the online flag and the trigger channel.
type Monitor struct {
	online atomic.Bool
	events chan Trigger
	log    zerolog.Logger
}

// NewMonitor creates a monitor in the given initial state. Triggers that do
// not fit in a buffer of size buffer are dropped.
func NewMonitor(online bool, buffer int, log zerolog.Logger) *Monitor {
	m := &Monitor{events: make(chan Trigger, buffer), log: log}
	m.online.Store(online)
	return m
}

// Online reports the current connectivity belief.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline updates the flag and emits a trigger on transitions only.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		m.log.Info().Msg("Connectivity restored")
		m.Signal(TriggerOnline)
	} else {
		m.log.Warn().Msg("Connectivity lost")
		m.Signal(TriggerOffline)
	}
}

// Signal emits a trigger without blocking.
func (m *Monitor) Signal(t Trigger) {
	select {
	case m.events <- t:
	default:
		m.log.Debug().Str("trigger", string(t)).Msg("Trigger buffer full, dropping")
	}
}

// Apply routes a client lifecycle event: online and offline change the flag,
// focus and visible are forwarded as-is.
func (m *Monitor) Apply(t Trigger) {
	switch t {
	case TriggerOnline:
		m.SetOnline(true)
	case TriggerOffline:
		m.SetOnline(false)
	default:
		m.Signal(t)
	}
}

// Events returns the trigger channel.
func (m *Monitor) Events() <-chan Trigger {
	return m.events
}
