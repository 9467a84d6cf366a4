// Package dispatch validates inbound connection messages and forwards
// accepted actions to the session coordinator. Rejections go back to the
// originating connection only; accepted actions produce no direct response,
// because the coordinator's sequenced event reaches everyone (including the
// actor) through the bridge's ordered fan-out.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/victornm/quizhub/internal/coordinator"
	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
	"github.com/victornm/quizhub/internal/registry"
)

// Inbound actions.
const (
	ActionJoin          = "join"
	ActionStart         = "start"
	ActionOpenQuestion  = "openQuestion"
	ActionCloseQuestion = "closeQuestion"
	ActionSubmitAnswer  = "submitAnswer"
	ActionFinish        = "finish"
	ActionPing          = "ping"
)

// TypeError is the frame type for rejections that are not answer rejections.
const TypeError = "error"

// Frame is one inbound message: {sessionId, actorId, action, payload}.
type Frame struct {
	SessionID string          `json:"session_id"`
	ActorID   string          `json:"actor_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	// After is the last sequence the client saw; the retained backlog above
	// it is replayed before live delivery.
	After int64 `json:"after"`
}

type openQuestionPayload struct {
	Index int `json:"index"`
}

type submitAnswerPayload struct {
	Index    int    `json:"index"`
	OptionID string `json:"option_id"`
}

type finishPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is carried by rejection frames sent to the single sender.
type ErrorPayload struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

type Config struct {
	Registry    *registry.Registry
	Coordinator *coordinator.Service
}

type Dispatcher struct {
	registry    *registry.Registry
	coordinator *coordinator.Service
}

func New(c Config) *Dispatcher {
	return &Dispatcher{
		registry:    c.Registry,
		coordinator: c.Coordinator,
	}
}

// Handle processes one raw inbound message from a connection. Malformed or
// rejected messages answer the sender with an error frame and leave the
// connection open; nothing here ever broadcasts.
func (d *Dispatcher) Handle(ctx context.Context, conn *registry.Connection, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed message")))
		return
	}

	// Every frame must match the identity the connection was opened with.
	if frame.SessionID != conn.SessionID || frame.ActorID != conn.Username {
		d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("frame identity mismatch: session=%s actor=%s", frame.SessionID, frame.ActorID)))
		return
	}

	if moderatorOnly(frame.Action) && conn.Role != registry.RoleModerator {
		d.reject(conn, TypeError, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("moderator action denied: action=%s", frame.Action)))
		return
	}

	switch frame.Action {
	case ActionPing:
		d.registry.Touch(conn.ID)

	case ActionJoin:
		d.handleJoin(ctx, conn, frame)

	case ActionStart:
		if err := d.coordinator.Start(ctx, conn.SessionID, conn.Username); err != nil {
			d.reject(conn, TypeError, err)
		}

	case ActionOpenQuestion:
		var p openQuestionPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("malformed openQuestion payload")))
			return
		}
		if err := d.coordinator.OpenQuestion(ctx, conn.SessionID, conn.Username, p.Index); err != nil {
			d.reject(conn, TypeError, err)
		}

	case ActionCloseQuestion:
		if err := d.coordinator.CloseQuestion(ctx, conn.SessionID, conn.Username); err != nil {
			d.reject(conn, TypeError, err)
		}

	case ActionSubmitAnswer:
		var p submitAnswerPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.OptionID == "" {
			d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("malformed submitAnswer payload")))
			return
		}
		if err := d.coordinator.SubmitAnswer(ctx, conn.SessionID, conn.Username, p.Index, p.OptionID); err != nil {
			d.reject(conn, domain.EventTypeAnswerRejected, err)
		}

	case ActionFinish:
		var p finishPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
					errors.WithMessagef("malformed finish payload")))
				return
			}
		}
		if p.Reason == "" {
			p.Reason = "moderator"
		}
		if err := d.coordinator.Finish(ctx, conn.SessionID, conn.Username, p.Reason); err != nil {
			d.reject(conn, TypeError, err)
		}

	default:
		d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unsupported action: %s", frame.Action)))
	}
}

// handleJoin admits the identity into the session, registers the connection
// for local fan-out and replays the retained backlog the client missed. A
// prior live connection for the same identity on this process is closed and
// replaced.
func (d *Dispatcher) handleJoin(ctx context.Context, conn *registry.Connection, frame Frame) {
	var p joinPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			d.reject(conn, TypeError, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("malformed join payload")))
			return
		}
	}

	if _, err := d.coordinator.Join(ctx, conn.SessionID, conn.Username, conn.Role); err != nil {
		d.reject(conn, TypeError, err)
		return
	}

	// Live fan-out starts the moment the connection is registered. Holding
	// it until the replay below finishes keeps a racing fan-out from
	// advancing the sequence guard past events the replay still owes.
	conn.Hold()
	defer conn.Release()

	if err := d.registry.Register(conn); err != nil {
		if !errors.IsCode(err, errors.CodeAlreadyExists) {
			d.reject(conn, TypeError, err)
			return
		}

		if stale, ok := d.registry.Lookup(conn.SessionID, conn.Username); ok {
			slog.InfoContext(ctx, "dispatch: replacing stale connection",
				"session", conn.SessionID, "username", conn.Username)
			stale.Close()
			d.registry.Unregister(stale.ID)
		}
		if err := d.registry.Register(conn); err != nil {
			d.reject(conn, TypeError, err)
			return
		}
	}

	backlog, err := d.coordinator.Backlog(ctx, conn.SessionID, p.After)
	if err != nil {
		slog.ErrorContext(ctx, "dispatch: backlog replay failed",
			"session", conn.SessionID, "username", conn.Username, "error", err)
		return
	}
	for i := range backlog {
		b, err := json.Marshal(&backlog[i])
		if err != nil {
			continue
		}
		_ = conn.Replay(backlog[i].Sequence, b)
	}
}

// Disconnect cleans up after a closed connection: registry removal plus
// membership removal, which for a participant carries the participantLeft
// broadcast.
func (d *Dispatcher) Disconnect(ctx context.Context, conn *registry.Connection) {
	conn.Close()
	d.registry.Unregister(conn.ID)

	if err := d.coordinator.Leave(ctx, conn.SessionID, conn.Username, conn.Role); err != nil {
		slog.ErrorContext(ctx, "dispatch: leave failed",
			"session", conn.SessionID, "username", conn.Username, "error", err)
	}
}

// reject answers the sender only. A failed send means the connection is gone;
// transport cleanup handles it.
func (d *Dispatcher) reject(conn *registry.Connection, typ string, err error) {
	e := errors.Convert(err)

	payload, merr := json.Marshal(ErrorPayload{
		Code:    uint32(e.Code),
		Message: e.Message,
	})
	if merr != nil {
		return
	}

	frame, merr := json.Marshal(domain.Event{
		SessionID: conn.SessionID,
		Type:      typ,
		Payload:   payload,
	})
	if merr != nil {
		return
	}

	_ = conn.Send(frame)
}

func moderatorOnly(action string) bool {
	switch action {
	case ActionStart, ActionOpenQuestion, ActionCloseQuestion, ActionFinish:
		return true
	}
	return false
}
