package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// FrameKind tags what StreamFramer.Next produced.
type FrameKind int

const (
	FrameValue FrameKind = iota
	FrameEnd // the synthetic StreamEnd sentinel ([DONE]); EOF is reported as ok=false
)

// Frame is one decoded chunk from the wire, plus the SSE "event:" name if
// the mode is SSE and one was set on the event.
type Frame struct {
	Kind FrameKind
	Value json.RawMessage
	Event string
}

// StreamFramer incrementally parses SSE or JSON-lines byte buffers into
// decoded chunks. It generalizes three
// hand-duplicated scanners (provider/openai_common.go's parseSSEStream,
// provider/anthropic.go's parseAnthropicSSEStream, and ollama.go's copy of
// the former) into one reusable type.
type StreamFramer struct {
	scanner *bufio.Scanner
	mode framerMode
	modeKnown bool

	// SSE event accumulation.
	eventType string
	dataLines []string
}

type framerMode int

const (
	modeSSE framerMode = iota
	modeJSONLines
)

// NewStreamFramer wraps a reader with auto-detected framing.
func NewStreamFramer(r io.Reader) *StreamFramer {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamFramer{scanner: s}
}

// Next returns the next decoded frame, or ok=false when the stream is
// exhausted. A parse failure on one event is skipped, never aborts the
// stream.
func (f *StreamFramer) Next() (Frame, bool) {
	for f.scanner.Scan() {
		line := strings.TrimRight(f.scanner.Text(), "\r")

		if !f.modeKnown {
			f.modeKnown = true
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				f.mode = modeJSONLines
			} else {
				f.mode = modeSSE
			}
		}

		if f.mode == modeJSONLines {
			if frame, ok := f.decodeJSONLine(line); ok {
				return frame, true
			}
			continue
		}

		if frame, done, ok := f.feedSSELine(line); ok {
			return frame, true
		} else if done {
			return Frame{}, false
		}
	}
	// EOF: flush any trailing SSE event.
	if f.mode == modeSSE && len(f.dataLines) > 0 {
		frame, ok := f.flushSSEEvent()
		f.dataLines = nil
		if ok {
			return frame, true
		}
	}
	return Frame{}, false
}

func (f *StreamFramer) decodeJSONLine(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	line = strings.Trim(line, "[],")
	if line == "" {
		return Frame{}, false
	}
	if !json.Valid([]byte(line)) {
		return Frame{}, false
	}
	return Frame{Kind: FrameValue, Value: json.RawMessage(line)}, true
}

// feedSSELine processes one physical line of an SSE stream. It returns
// (frame, false, true) when a frame is ready, (Frame{Kind: FrameEnd},
// false, true) on the [DONE] sentinel, and (_, false, false) when more
// lines are needed or the event's payload is not valid JSON.
func (f *StreamFramer) feedSSELine(line string) (Frame, bool, bool) {
	switch {
	case line == "":
		if len(f.dataLines) == 0 {
			return Frame{}, false, false
		}
		frame, ok := f.flushSSEEvent()
		f.dataLines = nil
		f.eventType = ""
		return frame, false, ok
	case strings.HasPrefix(line, ":"):
		return Frame{}, false, false
	case strings.HasPrefix(line, "event:"):
		f.eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return Frame{}, false, false
	case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		return Frame{}, false, false
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimPrefix(data, " ")
		if strings.TrimSpace(data) == "[DONE]" {
			return Frame{Kind: FrameEnd}, false, true
		}
		f.dataLines = append(f.dataLines, data)
		return Frame{}, false, false
	default:
		return Frame{}, false, false
	}
}

func (f *StreamFramer) flushSSEEvent() (Frame, bool) {
	if len(f.dataLines) == 0 {
		return Frame{}, false
	}
	joined := strings.Join(f.dataLines, "\n")
	raw := []byte(joined)
	if !json.Valid(raw) {
		return Frame{}, false
	}
	// If the payload is a bare object without its own "type" field and an
	// event: line set one, synthesize it in.
	if f.eventType != "" {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err == nil {
			if _, hasType := probe["type"]; !hasType {
				probe["type"] = json.RawMessage(`"` + f.eventType + `"`)
				if merged, err := json.Marshal(probe); err == nil {
					raw = merged
				}
			}
		}
	}
	return Frame{Kind: FrameValue, Value: json.RawMessage(raw), Event: f.eventType}, true
}

// DecodeSingleJSON is a convenience for a non-streaming body: the
// ProviderFormatter's ParseResponse path does not go through the framer,
// it decodes the full body directly, but shares this trivial helper for
// stripping BOM/whitespace the same way json.Unmarshal calls
// implicitly tolerate.
func DecodeSingleJSON(body []byte) json.RawMessage {
	return json.RawMessage(bytes.TrimSpace(body))
}
