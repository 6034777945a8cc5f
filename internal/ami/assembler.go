package ami

import (
	"strings"

	"github.com/rs/zerolog"
)

// Assembler accumulates lines into a Packet until the blank line that ends it.
type Assembler struct {
	maxLines int
	logger   zerolog.Logger

	current *Packet
}

// NewAssembler creates an assembler that stores at most maxLines lines per packet.
func NewAssembler(maxLines int, logger zerolog.Logger) *Assembler {
	if maxLines <= 0 {
		maxLines = DefaultMaxHeaders
	}
	return &Assembler{
		maxLines: maxLines,
		logger:   logger,
		current:  &Packet{},
	}
}

// Feed consumes one line, terminator included, as returned by the LineReader.
// It returns the finished packet when the line completes one, nil otherwise.
func (a *Assembler) Feed(line string) *Packet {
	p := a.current

	if p.gatheringData {
		text := stripTerminator(line)
		if i := strings.Index(text, EndCommandMarker); i >= 0 {
			text = strings.TrimRight(text[:i], "\r\n")
			p.gatheringData = false
			if text != "" {
				a.store(p, func() { p.data = append(p.data, text) })
			}
			return nil
		}
		a.store(p, func() { p.data = append(p.data, text) })
		return nil
	}

	// Shorter than "\r\n": broken framing, nothing to keep.
	if len(line) < 2 {
		return nil
	}

	text := stripTerminator(line)
	if text == "" {
		a.current = &Packet{}
		if p.dropped > 0 {
			a.logger.Warn().
				Int("stored", p.Len()).
				Int("dropped", p.dropped).
				Msg("packet exceeded header limit, extra lines dropped")
		}
		return p
	}

	a.store(p, func() { p.headers = append(p.headers, parseHeader(text)) })

	if hasPrefixFold(text, FollowsMarker) {
		p.gatheringData = true
	}
	return nil
}

// Pending reports whether a partially assembled packet is buffered.
func (a *Assembler) Pending() bool {
	return a.current.Len() > 0 || a.current.gatheringData
}

// Reset drops any partially assembled packet.
func (a *Assembler) Reset() {
	a.current = &Packet{}
}

func (a *Assembler) store(p *Packet, add func()) {
	if p.Len() >= a.maxLines {
		p.dropped++
		return
	}
	add()
}

func stripTerminator(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
