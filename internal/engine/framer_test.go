package engine

import (
	"strings"
	"testing"
)

func TestStreamFramer_SSE(t *testing.T) {
	body := "event: message\ndata: {\"text\":\"hi\"}\n\ndata: [DONE]\n\n"
	f := NewStreamFramer(strings.NewReader(body))

	frame, ok := f.Next()
	if !ok {
		t.Fatal("expected a frame")
	}
	if frame.Event != "message" {
		t.Errorf("Event = %q, want message", frame.Event)
	}
	if string(frame.Value) != `{"text":"hi","type":"message"}` {
		t.Errorf("Value = %s", frame.Value)
	}

	end, ok := f.Next()
	if !ok || end.Kind != FrameEnd {
		t.Fatalf("expected FrameEnd sentinel, got %+v ok=%v", end, ok)
	}

	if _, ok := f.Next(); ok {
		t.Error("expected exhaustion after the DONE sentinel")
	}
}

func TestStreamFramer_SSE_MultilineData(t *testing.T) {
	body := "data: {\"a\":1,\n" + "data: \"b\":2}\n\n"
	f := NewStreamFramer(strings.NewReader(body))
	frame, ok := f.Next()
	if !ok {
		t.Fatal("expected a frame")
	}
	if string(frame.Value) != "{\"a\":1,\n\"b\":2}" {
		t.Errorf("Value = %s", frame.Value)
	}
}

func TestStreamFramer_SSE_SynthesizesTypeFromEvent(t *testing.T) {
	body := "event: content_block_delta\ndata: {\"text\":\"x\"}\n\n"
	f := NewStreamFramer(strings.NewReader(body))
	frame, ok := f.Next()
	if !ok {
		t.Fatal("expected a frame")
	}
	if !strings.Contains(string(frame.Value), `"type":"content_block_delta"`) {
		t.Errorf("Value = %s, expected synthesized type field", frame.Value)
	}
}

func TestStreamFramer_SSE_SkipsCommentsAndIDLines(t *testing.T) {
	body := ": heartbeat\nid: 1\nretry: 3000\ndata: {\"text\":\"hi\"}\n\n"
	f := NewStreamFramer(strings.NewReader(body))
	frame, ok := f.Next()
	if !ok {
		t.Fatal("expected a frame")
	}
	if string(frame.Value) != `{"text":"hi"}` {
		t.Errorf("Value = %s", frame.Value)
	}
}

func TestStreamFramer_SSE_FlushesTrailingEventAtEOF(t *testing.T) {
	body := "data: {\"text\":\"trailing\"}"
	f := NewStreamFramer(strings.NewReader(body))
	frame, ok := f.Next()
	if !ok {
		t.Fatal("expected the trailing event to flush at EOF")
	}
	if string(frame.Value) != `{"text":"trailing"}` {
		t.Errorf("Value = %s", frame.Value)
	}
}

func TestStreamFramer_JSONLines(t *testing.T) {
	body := "{\"a\":1}\n{\"a\":2}\n"
	f := NewStreamFramer(strings.NewReader(body))

	frame1, ok := f.Next()
	if !ok || string(frame1.Value) != `{"a":1}` {
		t.Fatalf("frame1 = %+v ok=%v", frame1, ok)
	}
	frame2, ok := f.Next()
	if !ok || string(frame2.Value) != `{"a":2}` {
		t.Fatalf("frame2 = %+v ok=%v", frame2, ok)
	}
	if _, ok := f.Next(); ok {
		t.Error("expected exhaustion")
	}
}

func TestStreamFramer_JSONLines_BracketWrappedArray(t *testing.T) {
	body := "[{\"a\":1},\n{\"a\":2}]\n"
	f := NewStreamFramer(strings.NewReader(body))

	frame1, ok := f.Next()
	if !ok || string(frame1.Value) != `{"a":1}` {
		t.Fatalf("frame1 = %+v ok=%v", frame1, ok)
	}
}

func TestDecodeSingleJSON(t *testing.T) {
	got := DecodeSingleJSON([]byte("  {\"a\":1}  "))
	if string(got) != `{"a":1}` {
		t.Errorf("DecodeSingleJSON() = %s", got)
	}
}
