// Package canvasbridge implements CanvasCommandBridge: the command/
// response/event protocol for driving a remote drawing context (2D or
// hardware-accelerated) living inside an execution unit. It is independent
// of the task-scheduling machinery in pool/unit — a bridge only needs a
// Transport capable of sending an Envelope and a place to report incoming
// ones — so it can sit on top of any execution unit or, in principle, a
// transport that has nothing to do with the rest of this runtime.
package canvasbridge

import (
	"sync"
	"sync/atomic"

	"github.com/swarmguard/workerpool/internal/errs"
)

// EnvelopeType tags the disjoint union of messages the bridge exchanges with
// the remote side.
type EnvelopeType string

const (
	EnvelopeCommand  EnvelopeType = "COMMAND"
	EnvelopeResponse EnvelopeType = "RESPONSE"
	EnvelopeEvent    EnvelopeType = "EVENT"
	EnvelopeError    EnvelopeType = "ERROR"
	EnvelopeReady    EnvelopeType = "READY"
)

// CommandType enumerates the commands a bridge can send.
type CommandType string

const (
	CmdInit           CommandType = "INIT"
	CmdResize         CommandType = "RESIZE"
	CmdClear          CommandType = "CLEAR"
	CmdRender         CommandType = "RENDER"
	CmdDispose        CommandType = "DISPOSE"
	CmdStartEffect    CommandType = "START_EFFECT"
	CmdStopEffect     CommandType = "STOP_EFFECT"
	CmdUpdatePosition CommandType = "UPDATE_POSITION"
)

// Command is the payload of a COMMAND envelope.
type Command struct {
	ID       int64
	Type     CommandType
	Params   map[string]any
	Transfer [][]byte
}

// Envelope is the wire-shaped message exchanged with the remote side.
// Exactly one of the Command/Response/Event/ErrorMessage fields is
// populated, matching Type.
type Envelope struct {
	Type     EnvelopeType
	ID       int64
	Command  *Command
	Response *ResponseData
	Event    map[string]any
	ErrorMsg string
}

// ResponseData is the payload of a RESPONSE envelope.
type ResponseData struct {
	CommandID int64
	Success   bool
	Data      map[string]any
	Error     string
}

// Response is delivered to the caller of Send exactly once per command,
// except for a RENDER command superseded by a later one before the remote
// side replied — that caller's channel is closed with Superseded set
// instead, since the protocol only promises a reply to the most recent
// RENDER in flight.
type Response struct {
	ResponseData
	Superseded bool
}

// Transport sends an Envelope to the remote side. Implementations are
// fire-and-forget from the bridge's point of view; delivery failures surface
// as a Send error, not asynchronously.
type Transport interface {
	Send(Envelope) error
}

// Bridge drives one remote drawing context over Transport. All exported
// methods are safe for concurrent use, though in practice the supervisor
// issuing commands is a single goroutine.
type Bridge struct {
	transport Transport
	onEvent   func(map[string]any)

	nextID int64

	mu              sync.Mutex
	initialized     bool
	disposed        bool
	pending         map[int64]chan Response
	pendingRenderID int64
}

// New constructs a Bridge over transport. onEvent, if non-nil, is invoked
// for every EVENT and READY envelope the bridge receives; it must not block.
func New(transport Transport, onEvent func(map[string]any)) *Bridge {
	return &Bridge{
		transport: transport,
		onEvent:   onEvent,
		pending:   make(map[int64]chan Response),
	}
}

// Send issues a command and returns a channel that receives its single
// Response. INIT must be the first command sent; every command after a
// successfully sent DISPOSE fails outright.
func (b *Bridge) Send(cmdType CommandType, params map[string]any, transfer [][]byte) (int64, <-chan Response, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return 0, nil, errs.New(errs.ProtocolError, "bridge disposed, commands no longer accepted")
	}
	if !b.initialized && cmdType != CmdInit {
		b.mu.Unlock()
		return 0, nil, errs.New(errs.ProtocolError, "INIT must be the first command")
	}

	id := atomic.AddInt64(&b.nextID, 1)
	ch := make(chan Response, 1)
	b.pending[id] = ch

	if cmdType == CmdRender {
		b.supersedePendingRenderLocked()
		b.pendingRenderID = id
	}
	if cmdType == CmdInit {
		b.initialized = true
	}
	b.mu.Unlock()

	env := Envelope{
		Type: EnvelopeCommand,
		ID:   id,
		Command: &Command{
			ID:       id,
			Type:     cmdType,
			Params:   params,
			Transfer: transfer,
		},
	}

	if err := b.transport.Send(env); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		if b.pendingRenderID == id {
			b.pendingRenderID = 0
		}
		b.mu.Unlock()
		return 0, nil, errs.Wrap(errs.ProtocolError, "send command", err)
	}

	if cmdType == CmdDispose {
		b.mu.Lock()
		b.disposed = true
		b.mu.Unlock()
	}

	return id, ch, nil
}

// supersedePendingRenderLocked resolves any still-outstanding RENDER command
// as superseded so its caller's channel does not hang forever. Must be
// called with b.mu held.
func (b *Bridge) supersedePendingRenderLocked() {
	if b.pendingRenderID == 0 {
		return
	}
	if ch, ok := b.pending[b.pendingRenderID]; ok {
		ch <- Response{Superseded: true}
		close(ch)
		delete(b.pending, b.pendingRenderID)
	}
	b.pendingRenderID = 0
}

// HandleIncoming dispatches an envelope received from the remote side. It is
// the counterpart to Send: every RESPONSE resolves exactly one pending
// command (unless it already lost a coalescing race), every EVENT and READY
// envelope is forwarded to onEvent.
func (b *Bridge) HandleIncoming(env Envelope) {
	switch env.Type {
	case EnvelopeResponse:
		if env.Response == nil {
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[env.Response.CommandID]
		if ok {
			delete(b.pending, env.Response.CommandID)
			if b.pendingRenderID == env.Response.CommandID {
				b.pendingRenderID = 0
			}
		}
		b.mu.Unlock()
		if ok {
			ch <- Response{ResponseData: *env.Response}
			close(ch)
		}
	case EnvelopeError:
		b.mu.Lock()
		ch, ok := b.pending[env.ID]
		if ok {
			delete(b.pending, env.ID)
			if b.pendingRenderID == env.ID {
				b.pendingRenderID = 0
			}
		}
		b.mu.Unlock()
		if ok {
			ch <- Response{ResponseData: ResponseData{CommandID: env.ID, Success: false, Error: env.ErrorMsg}}
			close(ch)
			return
		}
		if b.onEvent != nil {
			b.onEvent(map[string]any{"type": "ERROR", "message": env.ErrorMsg})
		}
	case EnvelopeEvent:
		if b.onEvent != nil {
			b.onEvent(env.Event)
		}
	case EnvelopeReady:
		if b.onEvent != nil {
			b.onEvent(map[string]any{"type": "READY"})
		}
	}
}

// HandleLiveness tolerates a message that did not parse as a known envelope
// shape (a bare {timestamp} or {status:"ready"} payload, say): the protocol
// only requires that such messages keep the unit from being reaped as dead,
// not that the bridge make sense of their contents.
func (b *Bridge) HandleLiveness(raw map[string]any) {
	if b.onEvent != nil {
		b.onEvent(map[string]any{"type": "LIVENESS", "raw": raw})
	}
}

// ParseIncoming attempts to interpret a generic wire payload (as arrives
// over a unit's Events channel, say) as an Envelope. It returns ok=false for
// anything that does not carry a recognized "type" discriminator, so the
// caller can fall back to HandleLiveness per the protocol's tolerance for
// non-envelope liveness messages.
func ParseIncoming(data map[string]any) (Envelope, bool) {
	rawType, _ := data["type"].(string)
	switch EnvelopeType(rawType) {
	case EnvelopeResponse:
		respRaw, _ := data["data"].(map[string]any)
		id, _ := data["id"].(int64)
		resp := &ResponseData{}
		if respRaw != nil {
			resp.CommandID, _ = respRaw["commandId"].(int64)
			resp.Success, _ = respRaw["success"].(bool)
			resp.Data, _ = respRaw["data"].(map[string]any)
			resp.Error, _ = respRaw["error"].(string)
		}
		return Envelope{Type: EnvelopeResponse, ID: id, Response: resp}, true
	case EnvelopeEvent:
		ev, _ := data["data"].(map[string]any)
		return Envelope{Type: EnvelopeEvent, Event: ev}, true
	case EnvelopeError:
		id, _ := data["id"].(int64)
		errRaw, _ := data["data"].(map[string]any)
		msg, _ := errRaw["message"].(string)
		return Envelope{Type: EnvelopeError, ID: id, ErrorMsg: msg}, true
	case EnvelopeReady:
		return Envelope{Type: EnvelopeReady}, true
	default:
		return Envelope{}, false
	}
}
