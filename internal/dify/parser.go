package dify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const dataPrefix = "data: "

var errMissingEvent = errors.New("record has no event field")

// Parser turns raw upstream bytes into events. Chunks may split lines (and
// multi-byte characters) anywhere; incomplete lines are buffered until their
// terminating newline arrives.
type Parser struct {
	buf    []byte
	logger zerolog.Logger

	// OnMalformed, if set, is called for every data line that is skipped.
	OnMalformed func(err error)
}

func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Feed appends chunk to the buffer and returns every event completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
		p.buf = p.buf[idx+1:]
	}

	// Keep the unconsumed tail in its own storage so the backing array of
	// earlier chunks can be released.
	if len(p.buf) == 0 {
		p.buf = nil
	} else if cap(p.buf) > 4*len(p.buf) {
		p.buf = append([]byte(nil), p.buf...)
	}
	return events
}

// Flush parses whatever is left in the buffer as a final line. It is used
// when the upstream body ends without a trailing newline.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := p.buf
	p.buf = nil
	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a newline.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) parseLine(raw []byte) (Event, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	payload := line[len(dataPrefix):]

	ev, err := ParseRecord(payload)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("line_preview", truncate(string(payload), 200)).
			Msg("Skipping malformed upstream event")
		if p.OnMalformed != nil {
			p.OnMalformed(err)
		}
		return Event{}, false
	}
	return ev, true
}

// ParseRecord decodes the JSON payload of one data line.
func ParseRecord(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("invalid upstream JSON record: %w", err)
	}
	if w.Event == nil {
		return Event{}, errMissingEvent
	}
	return w.toEvent(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}
