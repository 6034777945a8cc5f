// Package ami implements the client side of the Asterisk Manager Interface:
// a CRLF line protocol on one TCP connection that carries both command
// responses and unsolicited events. A Session frames lines out of the socket,
// assembles them into packets, returns responses to the caller and routes
// events to registered handlers while the caller waits.
package ami

import (
	"strings"
	"time"
)

// Protocol constants.
const (
	DefaultPort = 5038

	// DefaultEvent is the handler name that matches any event without a
	// handler of its own.
	DefaultEvent = "DEFAULT"

	FollowsMarker    = "Response: Follows"
	EndCommandMarker = "--END COMMAND--"

	HeaderResponse = "Response"
	HeaderEvent    = "Event"
	HeaderActionID = "ActionID"
	HeaderMessage  = "Message"
)

// Limits and timing defaults.
const (
	DefaultBufferSize       = 8192
	DefaultMaxHeaders       = 128
	DefaultMaxEventHandlers = 64
	DefaultPollTimeout      = 100 * time.Millisecond
	DefaultConnectTimeout   = 10 * time.Second

	minPollTimeout = time.Millisecond
)

// Header is one "Name: Value" line of a packet.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// String renders the header the way it travels on the wire, without the terminator.
func (h Header) String() string {
	if h.Name == "" {
		return h.Value
	}
	return h.Name + ": " + h.Value
}

// parseHeader splits a header line at its first colon. Lines without a colon
// become a header with an empty value.
func parseHeader(line string) Header {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return Header{Name: line}
	}
	return Header{
		Name:  strings.TrimSpace(name),
		Value: strings.TrimLeft(value, " \t"),
	}
}

// Packet is one complete manager message: a response or an event.
//
// Headers keep their arrival order. Raw command output that follows a
// "Response: Follows" header is kept separately in Data. The total number of
// stored lines is capped; lines past the cap are dropped and counted.
type Packet struct {
	headers []Header
	data    []string

	gatheringData bool
	dropped       int
}

// Headers returns the packet headers in arrival order.
func (p *Packet) Headers() []Header {
	return p.headers
}

// Data returns the raw output lines of a "Response: Follows" packet, without
// the end-of-command sentinel.
func (p *Packet) Data() []string {
	return p.data
}

// Dropped reports how many lines were rejected because the packet was full.
func (p *Packet) Dropped() int {
	return p.dropped
}

// Len returns the number of stored lines, headers and data together.
func (p *Packet) Len() int {
	return len(p.headers) + len(p.data)
}

// Header returns the value of the first header whose name matches
// case-insensitively, or "" if there is none.
func (p *Packet) Header(name string) string {
	for _, h := range p.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasHeader reports whether a header with the given name is present.
func (p *Packet) HasHeader(name string) bool {
	for _, h := range p.headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// Response returns the value of the Response header.
func (p *Packet) Response() string {
	return p.Header(HeaderResponse)
}

// Event returns the value of the Event header.
func (p *Packet) Event() string {
	return p.Header(HeaderEvent)
}

// IsSuccess reports whether the packet is a "Response: Success" reply.
func (p *Packet) IsSuccess() bool {
	return strings.EqualFold(p.Response(), "Success")
}

// IsFollows reports whether the packet carried raw command output.
func (p *Packet) IsFollows() bool {
	return strings.EqualFold(p.Response(), "Follows")
}

// Map returns the headers as a map keyed by header name. Later duplicates
// overwrite earlier ones.
func (p *Packet) Map() map[string]string {
	m := make(map[string]string, len(p.headers))
	for _, h := range p.headers {
		m[h.Name] = h.Value
	}
	return m
}

// Lines returns the packet as it would be dumped: header lines followed by data lines.
func (p *Packet) Lines() []string {
	lines := make([]string, 0, p.Len())
	for _, h := range p.headers {
		lines = append(lines, h.String())
	}
	return append(lines, p.data...)
}

// Kind is the classification of a completed packet.
type Kind int

const (
	KindUnknown Kind = iota
	KindResponse
	KindEvent
)

var kindStrings = map[Kind]string{
	KindUnknown:  "unknown",
	KindResponse: "response",
	KindEvent:    "event",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Classify decides whether a completed packet answers a command or is an
// event. A non-empty Response header takes precedence over an Event header.
func Classify(p *Packet) Kind {
	if p.Response() != "" {
		return KindResponse
	}
	if p.Event() != "" {
		return KindEvent
	}
	return KindUnknown
}
