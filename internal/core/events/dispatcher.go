// Package events fans repository lifecycle events out to listeners.
package events

import (
	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/session"
)

// Dispatcher delivers events to the session's listeners and to any
// listeners registered on the dispatcher itself. Delivery is synchronous
// and in registration order; a panicking listener is logged and does not
// stop the fan-out.
type Dispatcher struct {
	listeners []session.EventListener
	logger    zerolog.Logger
}

// NewDispatcher creates a Dispatcher with optional fixed listeners.
func NewDispatcher(logger zerolog.Logger, listeners ...session.EventListener) *Dispatcher {
	return &Dispatcher{listeners: listeners, logger: logger}
}

// Dispatch delivers ev to every listener.
func (d *Dispatcher) Dispatch(s *session.Session, ev models.Event) {
	for _, l := range d.listeners {
		d.deliver(l, ev)
	}
	if s != nil {
		for _, l := range s.Listeners {
			d.deliver(l, ev)
		}
	}
}

func (d *Dispatcher) deliver(l session.EventListener, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Stringer("event", ev.Type).
				Msg("event listener panicked")
		}
	}()
	l.OnEvent(ev)
}
