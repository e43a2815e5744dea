// Package parser extracts events from agent stdout/stderr, either by a
// line-oriented emission regex or from a streamed NDJSON backend.
//
// Grounded on the teacher's internal/events/parser.go OutputParser: a
// struct holding compiled regexes built once by a compilePatterns-style
// constructor, with ParseLine applied one line at a time. Generalized
// from the teacher's broad tool/build/git heuristics to the spec's
// single narrow emission grammar (`emit topic="..." payload="..."`).
package parser

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ralphcore/ralph/internal/events"
)

// emitPattern matches a single `emit topic="<topic>" payload="<text>"`
// line. Quoted values may not contain a double quote at all; there is no
// escape syntax.
var emitPattern = regexp.MustCompile(`(?m)^\s*emit\s+topic="([^"]*)"\s+payload="([^"]*)"\s*$`)

// Extracted is one event parsed out of agent output, before it is
// assigned a sequence number by the event store.
type Extracted struct {
	Topic   string
	Payload string
}

// Parser accumulates output line by line and extracts emitted events in
// order. Multiple events per iteration are preserved in the order they
// appear.
type Parser struct {
	pattern *regexp.Regexp
}

// New returns a Parser for the plain-text emission grammar.
func New() *Parser {
	return &Parser{pattern: emitPattern}
}

// ParseLine applies the emission grammar to a single line, returning the
// extracted event if the line matches.
func (p *Parser) ParseLine(line string) (Extracted, bool) {
	m := p.pattern.FindStringSubmatch(line)
	if m == nil {
		return Extracted{}, false
	}
	return Extracted{Topic: m[1], Payload: m[2]}, true
}

// ParseAll runs ParseLine over every line of combined output, in order.
func (p *Parser) ParseAll(output string) []Extracted {
	var out []Extracted
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if e, ok := p.ParseLine(scanner.Text()); ok {
			out = append(out, e)
		}
	}
	return out
}

// WithDefaultPublish returns extracted unchanged if non-empty; otherwise,
// if defaultTopic is non-empty, it synthesizes a single rescue event so a
// hat's default_publishes prevents a stalled iteration (§4.6).
func WithDefaultPublish(extracted []Extracted, defaultTopic string) []Extracted {
	if len(extracted) > 0 || defaultTopic == "" {
		return extracted
	}
	return []Extracted{{Topic: defaultTopic, Payload: ""}}
}

// ToEvents converts a batch of Extracted values into fully-formed
// events.Event values, ready for append to the event store.
func ToEvents(extracted []Extracted, source string) []events.Event {
	out := make([]events.Event, 0, len(extracted))
	for _, e := range extracted {
		out = append(out, events.New(e.Topic, e.Payload, source, ""))
	}
	return out
}

// StreamRecordKind tags the shape of one NDJSON record from a streaming
// backend.
type StreamRecordKind string

const (
	KindText       StreamRecordKind = "text"
	KindToolCall   StreamRecordKind = "tool_call"
	KindToolResult StreamRecordKind = "tool_result"
	KindUsage      StreamRecordKind = "usage"
)

// StreamRecord is one decoded NDJSON line from a streaming backend.
type StreamRecord struct {
	Kind StreamRecordKind
	Text string // populated for KindText; the raw text block
	Raw  json.RawMessage
}

// StreamHandler receives decoded stream records as they arrive.
type StreamHandler interface {
	Handle(StreamRecord)
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(StreamRecord)

func (f StreamHandlerFunc) Handle(r StreamRecord) { f(r) }

// streamEnvelope is the minimal NDJSON shape this parser understands; any
// unrecognized "type" field falls back to plain text.
type streamEnvelope struct {
	Type string          `json:"type"`
	Text string          `json:"text"`
	Data json.RawMessage `json:"data"`
}

// StreamParser dispatches each NDJSON line to handler, falling back to a
// plain-text record (never fatal) when a line fails to parse as JSON —
// grounded on the teacher's code-fence-tolerant JSON recovery in
// internal/ai/json_parser.go, simplified to a strict-decode-then-
// fallback since the wire format here is always one JSON object per line.
type StreamParser struct {
	handler StreamHandler
}

// NewStreamParser returns a StreamParser delivering to handler.
func NewStreamParser(handler StreamHandler) *StreamParser {
	return &StreamParser{handler: handler}
}

// Feed processes one line of NDJSON output.
func (s *StreamParser) Feed(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		s.handler.Handle(StreamRecord{Kind: KindText, Text: line})
		return
	}

	switch env.Type {
	case "tool_call":
		s.handler.Handle(StreamRecord{Kind: KindToolCall, Raw: env.Data})
	case "tool_result":
		s.handler.Handle(StreamRecord{Kind: KindToolResult, Raw: env.Data})
	case "usage":
		s.handler.Handle(StreamRecord{Kind: KindUsage, Raw: env.Data})
	case "text", "assistant_text", "":
		s.handler.Handle(StreamRecord{Kind: KindText, Text: env.Text})
	default:
		s.handler.Handle(StreamRecord{Kind: KindText, Text: line})
	}
}

// FeedAll processes every line of combined NDJSON output.
func (s *StreamParser) FeedAll(output string) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		s.Feed(scanner.Text())
	}
}
