// Package connevents implements the connection event handler (spec
// §4.6): it reacts to a connection going down or coming back up,
// toggling the online flag and triggering the QoS-0 purge / publisher
// kick that follow from each transition.
package connevents

import (
	"log/slog"
	"sync/atomic"

	"github.com/studiolambda/greenspool/contract"
)

// Spool is the slice of contract.Spool the handler needs.
type Spool interface {
	PopAllQos0()
	GetSpoolConfig() contract.SpoolConfig
}

// Kicker starts the publisher loop if it is not already running.
type Kicker interface {
	Kick()
}

// Handler is the connection event handler: onInterrupted flips
// online=false and, unless the spool config says to keep QoS-0
// messages while offline, purges them; onResumed flips online=true
// and kicks the publisher loop.
type Handler struct {
	online atomic.Bool
	spool  Spool
	kicker Kicker
	logger *slog.Logger
}

// New creates a Handler wired to spool and kicker. A nil logger is
// replaced with a discarding one.
func New(spool Spool, kicker Kicker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Handler{spool: spool, kicker: kicker, logger: logger}
}

// Online reports the current online flag.
func (h *Handler) Online() bool {
	return h.online.Load()
}

// OnInterrupted marks the connection offline and, unless configured to
// keep QoS-0 messages while offline, purges them from the spool.
func (h *Handler) OnInterrupted(err error) {
	h.online.Store(false)
	h.logger.Warn("connection interrupted", "error", err)

	if !h.spool.GetSpoolConfig().KeepQos0WhenOffline {
		h.spool.PopAllQos0()
	}
}

// OnResumed marks the connection online and kicks the publisher loop.
func (h *Handler) OnResumed(sessionPresent bool) {
	h.online.Store(true)
	h.logger.Info("connection resumed", "session_present", sessionPresent)
	h.kicker.Kick()
}
