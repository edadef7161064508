package canvasbridge

import (
	"testing"
)

type fakeTransport struct {
	sent []Envelope
	fail bool
}

func (f *fakeTransport) Send(env Envelope) error {
	if f.fail {
		return errFakeSendFailure
	}
	f.sent = append(f.sent, env)
	return nil
}

var errFakeSendFailure = &sendError{"transport failure"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

func TestInitMustBeFirst(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, nil)

	if _, _, err := b.Send(CmdResize, nil, nil); err == nil {
		t.Fatal("expected RESIZE before INIT to fail")
	}
	id, ch, err := b.Send(CmdInit, map[string]any{"width": 800}, nil)
	if err != nil {
		t.Fatalf("Send INIT: %v", err)
	}
	b.HandleIncoming(Envelope{Type: EnvelopeResponse, Response: &ResponseData{CommandID: id, Success: true}})
	resp := <-ch
	if !resp.Success {
		t.Fatal("expected successful INIT response")
	}

	if _, _, err := b.Send(CmdResize, map[string]any{"width": 1024, "height": 768}, nil); err != nil {
		t.Fatalf("RESIZE after INIT should succeed: %v", err)
	}
}

func TestDisposeFailsSubsequentCommands(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, nil)
	b.Send(CmdInit, nil, nil)

	if _, _, err := b.Send(CmdDispose, nil, nil); err != nil {
		t.Fatalf("Send DISPOSE: %v", err)
	}
	if _, _, err := b.Send(CmdClear, nil, nil); err == nil {
		t.Fatal("expected command after DISPOSE to fail")
	}
}

func TestRenderCoalescing(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, nil)
	b.Send(CmdInit, nil, nil)

	_, firstCh, err := b.Send(CmdRender, map[string]any{"frame": 1}, nil)
	if err != nil {
		t.Fatalf("Send RENDER 1: %v", err)
	}
	secondID, secondCh, err := b.Send(CmdRender, map[string]any{"frame": 2}, nil)
	if err != nil {
		t.Fatalf("Send RENDER 2: %v", err)
	}

	first := <-firstCh
	if !first.Superseded {
		t.Fatal("expected first RENDER to be superseded by the second")
	}

	b.HandleIncoming(Envelope{Type: EnvelopeResponse, Response: &ResponseData{CommandID: secondID, Success: true, Data: map[string]any{"renderId": secondID}}})
	second := <-secondCh
	if second.Superseded || !second.Success {
		t.Fatalf("expected second RENDER to resolve normally, got %+v", second)
	}
}

func TestEventsAndLivenessTolerated(t *testing.T) {
	var events []map[string]any
	tr := &fakeTransport{}
	b := New(tr, func(ev map[string]any) { events = append(events, ev) })

	b.HandleIncoming(Envelope{Type: EnvelopeReady})
	b.HandleIncoming(Envelope{Type: EnvelopeEvent, Event: map[string]any{"type": "RENDER_COMPLETE", "renderId": int64(2), "timeMs": 12}})
	b.HandleLiveness(map[string]any{"status": "ready"})

	if len(events) != 3 {
		t.Fatalf("expected 3 forwarded events, got %d: %+v", len(events), events)
	}
}

func TestParseIncomingRejectsNonEnvelopeShapes(t *testing.T) {
	if _, ok := ParseIncoming(map[string]any{"timestamp": int64(1000)}); ok {
		t.Fatal("bare timestamp payload must not parse as an envelope")
	}
	if _, ok := ParseIncoming(map[string]any{"status": "ready"}); ok {
		t.Fatal("bare status payload must not parse as an envelope")
	}
	env, ok := ParseIncoming(map[string]any{"type": "READY"})
	if !ok || env.Type != EnvelopeReady {
		t.Fatalf("expected READY envelope to parse, got %+v ok=%v", env, ok)
	}
}
