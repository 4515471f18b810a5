// Package notify delivers user-facing notifications produced by ledger
// operations and reconciliation.
package notify

import (
	"sync"

	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/rs/zerolog"
)

// Level is the severity shown to the user.
type Level string

// Notification levels.
const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notification is one message for the user.
type Notification struct {
	Level   Level      `json:"level"`
	Message string     `json:"message"`
	Box     domain.Box `json:"box,omitempty"`
}

// Notifier publishes notifications. Implementations must not block for long.
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier that writes every notification to log.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(n Notification) {
	ev := l.log.Info()
	if n.Level == LevelError {
		ev = l.log.Warn()
	}
	ev.Str("level_hint", string(n.Level)).Str("box", string(n.Box)).Msg(n.Message)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, x := range m {
		x.Notify(n)
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return Notification{}, false
	}
	return r.got[len(r.got)-1], true
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}
