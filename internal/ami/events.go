package ami

import (
	"strings"

	"github.com/rs/zerolog"
)

// HandlerResult tells the wait loop what to do after an event handler ran.
type HandlerResult int

const (
	// HandlerContinue means the event was handled; keep waiting for the response.
	HandlerContinue HandlerResult = iota
	// HandlerPromote means the event is the answer the caller is waiting for
	// and is returned from WaitForResponse as if it were a response.
	HandlerPromote
)

// EventHandler is called synchronously from WaitForResponse for each event
// it routes. A non-nil error aborts the wait.
type EventHandler func(s *Session, pkt *Packet) (HandlerResult, error)

// RegisterResult is the outcome of a successful EventTable.Register call.
type RegisterResult int

const (
	Added RegisterResult = iota
	Removed
)

// String returns the lowercase name of the result.
func (r RegisterResult) String() string {
	if r == Removed {
		return "removed"
	}
	return "added"
}

type handlerEntry struct {
	name    string
	handler EventHandler
}

// EventTable maps event names to handlers, plus one default handler for
// events nobody registered for. Names compare case-insensitively.
type EventTable struct {
	max      int
	entries  []handlerEntry // registration order
	index    map[string]int // lowercase name -> entries position
	fallback EventHandler
}

// NewEventTable creates a table that holds at most max handlers, the default
// handler included.
func NewEventTable(max int) *EventTable {
	if max <= 0 {
		max = DefaultMaxEventHandlers
	}
	return &EventTable{
		max:   max,
		index: make(map[string]int),
	}
}

// Register adds a handler for name, or removes the existing one when handler
// is nil. An existing handler is never replaced: remove it first.
// The name DefaultEvent addresses the default handler.
func (t *EventTable) Register(name string, handler EventHandler) (RegisterResult, error) {
	if strings.EqualFold(name, DefaultEvent) {
		return t.registerDefault(handler)
	}

	key := strings.ToLower(name)
	if pos, ok := t.index[key]; ok {
		if handler != nil {
			return Added, ErrHandlerExists
		}
		t.entries = append(t.entries[:pos], t.entries[pos+1:]...)
		t.reindex()
		return Removed, nil
	}

	if handler == nil {
		return Removed, ErrHandlerNotFound
	}
	if t.Len() >= t.max {
		return Added, ErrEventTableFull
	}

	t.entries = append(t.entries, handlerEntry{name: name, handler: handler})
	t.index[key] = len(t.entries) - 1
	return Added, nil
}

func (t *EventTable) registerDefault(handler EventHandler) (RegisterResult, error) {
	if handler == nil {
		if t.fallback == nil {
			return Removed, ErrHandlerNotFound
		}
		t.fallback = nil
		return Removed, nil
	}
	if t.fallback != nil {
		return Added, ErrHandlerExists
	}
	if t.Len() >= t.max {
		return Added, ErrEventTableFull
	}
	t.fallback = handler
	return Added, nil
}

func (t *EventTable) reindex() {
	t.index = make(map[string]int, len(t.entries))
	for i, e := range t.entries {
		t.index[strings.ToLower(e.name)] = i
	}
}

// Len returns the number of registered handlers, the default handler included.
func (t *EventTable) Len() int {
	n := len(t.entries)
	if t.fallback != nil {
		n++
	}
	return n
}

// Names returns the registered event names in registration order.
// DefaultEvent is appended when a default handler is set.
func (t *EventTable) Names() []string {
	names := make([]string, 0, t.Len())
	for _, e := range t.entries {
		names = append(names, e.name)
	}
	if t.fallback != nil {
		names = append(names, DefaultEvent)
	}
	return names
}

// Lookup returns the handler that would receive the named event.
func (t *EventTable) Lookup(name string) (EventHandler, bool) {
	if pos, ok := t.index[strings.ToLower(name)]; ok {
		return t.entries[pos].handler, true
	}
	if t.fallback != nil {
		return t.fallback, true
	}
	return nil, false
}

// Dispatch routes an event packet to its handler. It reports whether the
// handler promoted the packet to a response.
func (t *EventTable) Dispatch(s *Session, pkt *Packet) (bool, error) {
	logger, debug := zerolog.Nop(), false
	if s != nil {
		logger, debug = s.logger, s.debug
	}

	name := pkt.Event()
	if name == "" {
		logger.Error().Msg("missing event name in event packet")
		return false, nil
	}

	handler, ok := t.Lookup(name)
	if !ok {
		if debug {
			logger.Debug().Str("event", name).Msg("ignoring unhandled event")
		}
		return false, nil
	}

	res, err := handler(s, pkt)
	if err != nil {
		return false, &HandlerError{Event: name, Err: err}
	}
	return res == HandlerPromote, nil
}
