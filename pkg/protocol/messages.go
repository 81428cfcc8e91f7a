// Package protocol defines the permission messages exchanged between a
// permbridge client and the agent-side peer over a single WebSocket.
//
// All messages are JSON objects whose "type" field selects the shape. Inbound
// messages (peer → client) decode into one of the Inbound implementations;
// the only outbound message the client originates on its own is
// PermissionResponse.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"
)

// Kind is the value of the "type" discriminant.
type Kind string

const (
	// Peer → client
	TypePermissionRequest     Kind = "permission-request"
	TypePermissionTimeout     Kind = "permission-timeout"
	TypePermissionQueueStatus Kind = "permission-queue-status"
	TypePermissionCancelled   Kind = "permission-cancelled"
	TypePermissionError       Kind = "permission-error"

	// Client → peer
	TypePermissionResponse Kind = "permission-response"
	TypeClientHello        Kind = "client-hello"
)

var (
	// ErrMalformed is returned when a frame is not a JSON object or a known
	// kind is missing a required field.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for a well-formed object whose type is not
	// one this package understands. Callers are expected to ignore it.
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is implemented by every message the peer can send.
type Inbound interface {
	Kind() Kind
	inbound()
}

// Compile-time verification of the closed inbound set.
var (
	_ Inbound = PermissionRequest{}
	_ Inbound = PermissionTimeout{}
	_ Inbound = PermissionCancelled{}
	_ Inbound = QueueStatus{}
	_ Inbound = PermissionError{}
)

// PermissionRequest asks the user to approve a tool invocation. Fields holds
// the complete payload as received (tool name, arguments, anything else the
// peer adds) and is what the request marshals back to.
type PermissionRequest struct {
	ID        string
	ExpiresAt int64 // epoch milliseconds, 0 when the peer sent none
	Fields    map[string]any
}

func (PermissionRequest) Kind() Kind { return TypePermissionRequest }
func (PermissionRequest) inbound()   {}

// HasExpiry reports whether the peer attached an absolute deadline.
func (r PermissionRequest) HasExpiry() bool { return r.ExpiresAt > 0 }

// Expiry returns the deadline as a time.Time. Only meaningful if HasExpiry.
func (r PermissionRequest) Expiry() time.Time { return time.UnixMilli(r.ExpiresAt) }

// ToolName returns the tool the peer wants to run, if it said.
func (r PermissionRequest) ToolName() string {
	for _, k := range []string{"toolName", "tool_name", "tool"} {
		if s, ok := r.Fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// String returns a human readable field of the payload, or "".
func (r PermissionRequest) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// MarshalJSON re-emits the original payload.
func (r PermissionRequest) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return json.Marshal(map[string]any{"type": TypePermissionRequest, "id": r.ID})
	}
	return json.Marshal(r.Fields)
}

// PermissionTimeout tells the client the peer gave up waiting on a request.
type PermissionTimeout struct {
	RequestID string `json:"requestId"`
}

func (PermissionTimeout) Kind() Kind { return TypePermissionTimeout }
func (PermissionTimeout) inbound()   {}

// PermissionCancelled withdraws a request, optionally saying why.
type PermissionCancelled struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func (PermissionCancelled) Kind() Kind { return TypePermissionCancelled }
func (PermissionCancelled) inbound()   {}

// QueueStatus reports the peer's own backlog of permission work.
type QueueStatus struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

func (QueueStatus) Kind() Kind { return TypePermissionQueueStatus }
func (QueueStatus) inbound()   {}

// PermissionError carries a failure reported by the peer.
type PermissionError struct {
	Message string `json:"error,omitempty"`
}

func (PermissionError) Kind() Kind { return TypePermissionError }
func (PermissionError) inbound()   {}

// Decision is the user's answer to a PermissionRequest.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionDeny         Decision = "deny"
	DecisionAllowSession Decision = "allow-session"
	DecisionAllowAlways  Decision = "allow-always"
)

// Decisions lists every valid decision, most common first.
var Decisions = []Decision{DecisionAllow, DecisionDeny, DecisionAllowSession, DecisionAllowAlways}

// Valid reports whether d is one of the four decisions the peer accepts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAllowSession, DecisionAllowAlways:
		return true
	}
	return false
}

// ParseDecision converts user input into a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("invalid decision %q (want allow, deny, allow-session or allow-always)", s)
	}
	return d, nil
}

// PermissionResponse is sent back to the peer once the user has decided.
type PermissionResponse struct {
	Type         Kind           `json:"type"`
	RequestID    string         `json:"requestId"`
	Decision     Decision       `json:"decision"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// NewPermissionResponse builds a response stamped with now.
func NewPermissionResponse(requestID string, decision Decision, updatedInput map[string]any, now time.Time) PermissionResponse {
	return PermissionResponse{
		Type:         TypePermissionResponse,
		RequestID:    requestID,
		Decision:     decision,
		UpdatedInput: updatedInput,
		Timestamp:    now.UnixMilli(),
	}
}

// ClientHello is sent once after every successful connect.
type ClientHello struct {
	Type      Kind   `json:"type"`
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Decode parses one JSON text frame.
func Decode(data []byte) (Inbound, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return DecodeFields(fields)
}

// DecodeFields converts an already parsed JSON object. The map is copied,
// callers may keep mutating theirs.
func DecodeFields(fields map[string]any) (Inbound, error) {
	kind, ok := fields["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Kind(kind) {
	case TypePermissionRequest:
		id, ok := fields["id"].(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformed, kind)
		}
		req := PermissionRequest{ID: id, Fields: maps.Clone(fields)}
		if v, present := fields["expiresAt"]; present && v != nil {
			n, ok := number(v)
			if !ok {
				return nil, fmt.Errorf("%w: expiresAt is not a number", ErrMalformed)
			}
			if math.IsNaN(n) || math.Abs(n) > maxSafeMillis {
				return nil, fmt.Errorf("%w: expiresAt %v out of range", ErrMalformed, n)
			}
			req.ExpiresAt = int64(n)
		}
		return req, nil

	case TypePermissionTimeout:
		id, err := requestID(fields, kind)
		if err != nil {
			return nil, err
		}
		return PermissionTimeout{RequestID: id}, nil

	case TypePermissionCancelled:
		id, err := requestID(fields, kind)
		if err != nil {
			return nil, err
		}
		reason, _ := fields["reason"].(string)
		return PermissionCancelled{RequestID: id, Reason: reason}, nil

	case TypePermissionQueueStatus:
		pending, _ := number(fields["pending"])
		processing, _ := number(fields["processing"])
		return QueueStatus{Pending: int(pending), Processing: int(processing)}, nil

	case TypePermissionError:
		msg, _ := fields["error"].(string)
		return PermissionError{Message: msg}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}

func requestID(fields map[string]any, kind string) (string, error) {
	id, ok := fields["requestId"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %s without requestId", ErrMalformed, kind)
	}
	return id, nil
}

// maxSafeMillis is the largest magnitude a JSON number carries exactly.
const maxSafeMillis = 1 << 53

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
