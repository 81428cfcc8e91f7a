package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecode_PermissionRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"permission-request","id":"r1","toolName":"Bash","input":{"command":"ls"},"expiresAt":1700000005000}`))
	require.NoError(t, err)

	req, ok := msg.(PermissionRequest)
	require.True(t, ok)
	require.Equal(t, "r1", req.ID)
	require.Equal(t, int64(1700000005000), req.ExpiresAt)
	require.True(t, req.HasExpiry())
	require.Equal(t, "Bash", req.ToolName())
	require.Equal(t, map[string]any{"command": "ls"}, req.Fields["input"])
}

func TestDecode_RequestPassesPayloadThrough(t *testing.T) {
	raw := `{"type":"permission-request","id":"r2","toolName":"Write","extra":[1,2,3]}`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, raw, string(out))
}

func TestDecode_RequestWithoutID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"permission-request","toolName":"Bash"}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_RequestBadExpiry(t *testing.T) {
	_, err := Decode([]byte(`{"type":"permission-request","id":"r1","expiresAt":"soon"}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_RequestExpiryOutOfRange(t *testing.T) {
	for _, raw := range []string{"1e300", "-1e300", "1e16"} {
		_, err := Decode([]byte(`{"type":"permission-request","id":"r1","expiresAt":` + raw + `}`))
		require.ErrorIs(t, err, ErrMalformed, "expiresAt %s", raw)
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := DecodeFields(map[string]any{"type": "permission-request", "id": "r1", "expiresAt": v})
		require.ErrorIs(t, err, ErrMalformed, "expiresAt %v", v)
	}

	msg, err := Decode([]byte(`{"type":"permission-request","id":"r1","expiresAt":9007199254740992}`))
	require.NoError(t, err)
	require.Equal(t, int64(1)<<53, msg.(PermissionRequest).ExpiresAt)
}

func TestDecode_RequestNullExpiry(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"permission-request","id":"r1","expiresAt":null}`))
	require.NoError(t, err)
	require.False(t, msg.(PermissionRequest).HasExpiry())
}

func TestDecode_Timeout(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"permission-timeout","requestId":"r1"}`))
	require.NoError(t, err)
	require.Equal(t, PermissionTimeout{RequestID: "r1"}, msg)
}

func TestDecode_Cancelled(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"permission-cancelled","requestId":"r1","reason":"agent stopped"}`))
	require.NoError(t, err)
	require.Equal(t, PermissionCancelled{RequestID: "r1", Reason: "agent stopped"}, msg)

	msg, err = Decode([]byte(`{"type":"permission-cancelled","requestId":"r2"}`))
	require.NoError(t, err)
	require.Equal(t, PermissionCancelled{RequestID: "r2"}, msg)
}

func TestDecode_TimeoutWithoutRequestID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"permission-timeout"}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_QueueStatusDefaults(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"permission-queue-status","pending":3}`))
	require.NoError(t, err)
	require.Equal(t, QueueStatus{Pending: 3, Processing: 0}, msg)

	msg, err = Decode([]byte(`{"type":"permission-queue-status"}`))
	require.NoError(t, err)
	require.Equal(t, QueueStatus{}, msg)
}

func TestDecode_Error(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"permission-error","error":"tool registry offline"}`))
	require.NoError(t, err)
	require.Equal(t, PermissionError{Message: "tool registry offline"}, msg)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"permission-something-new","id":"x"}`))
	require.ErrorIs(t, err, ErrUnknownType)
	require.False(t, errors.Is(err, ErrMalformed))
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2]`, `null`, `{"id":"r1"}`, `{"type":7}`} {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrMalformed, "input %s", raw)
	}
}

func TestDecodeFields_CopiesInput(t *testing.T) {
	fields := map[string]any{"type": "permission-request", "id": "r1", "expiresAt": 42}
	msg, err := DecodeFields(fields)
	require.NoError(t, err)

	fields["toolName"] = "mutated"
	req := msg.(PermissionRequest)
	require.Equal(t, int64(42), req.ExpiresAt)
	require.Empty(t, req.ToolName())
}

func TestParseDecision(t *testing.T) {
	for _, d := range Decisions {
		got, err := ParseDecision(string(d))
		require.NoError(t, err)
		require.Equal(t, d, got)
	}

	_, err := ParseDecision("maybe")
	require.Error(t, err)
}

func TestNewPermissionResponse_Wire(t *testing.T) {
	now := time.UnixMilli(1700000001000)
	resp := NewPermissionResponse("r1", DecisionAllowSession, map[string]any{"command": "ls -la"}, now)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "permission-response",
		"requestId": "r1",
		"decision": "allow-session",
		"updatedInput": {"command": "ls -la"},
		"timestamp": 1700000001000
	}`, string(data))

	data, err = json.Marshal(NewPermissionResponse("r2", DecisionDeny, nil, now))
	require.NoError(t, err)
	require.NotContains(t, string(data), "updatedInput")
}
