package notify

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/olahol/melody"
	"github.com/rs/zerolog"
)

// Envelope is the websocket frame sent to UI sessions.
type Envelope struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

// WSNotifier broadcasts notifications to every connected websocket session.
type WSNotifier struct {
	m   *melody.Melody
	log zerolog.Logger
}

var _ Notifier = (*WSNotifier)(nil)

// NewWSNotifier creates a websocket hub broadcasting notifications to every session.
func NewWSNotifier(log zerolog.Logger) *WSNotifier {
	m := melody.New()
	m.Config.MaxMessageSize = 4096
	// Keep-alive for proxies that cut idle connections.
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleConnect(func(s *melody.Session) {
		log.Debug().Str("remote", s.Request.RemoteAddr).Msg("Notification client connected")
	})
	m.HandleDisconnect(func(s *melody.Session) {
		log.Debug().Str("remote", s.Request.RemoteAddr).Msg("Notification client disconnected")
	})
	m.HandleError(func(s *melody.Session, err error) {
		log.Warn().Err(err).Msg("Notification websocket error")
	})

	return &WSNotifier{m: m, log: log}
}

// ServeHTTP upgrades the request and registers the session.
func (w *WSNotifier) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if err := w.m.HandleRequest(rw, r); err != nil {
		w.log.Warn().Err(err).Msg("Failed to upgrade websocket")
	}
}

func (w *WSNotifier) Notify(n Notification) {
	msg, err := json.Marshal(Envelope{Type: "notification", Notification: n})
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to encode notification")
		return
	}
	if err := w.m.Broadcast(msg); err != nil {
		w.log.Warn().Err(err).Msg("Failed to broadcast notification")
	}
}

// Sessions returns the number of connected clients.
func (w *WSNotifier) Sessions() int {
	return w.m.Len()
}

// Close disconnects every session.
func (w *WSNotifier) Close() error {
	return w.m.Close()
}
