package ingest

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/pkg/models"
)

const testSessionID = "11111111-1111-1111-1111-111111111111"

// rawEnvelope builds a minimal valid envelope and applies overrides on top.
func rawEnvelope(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	env := map[string]any{
		"protocolVersion": models.ProtocolVersion,
		"id":              uuid.NewString(),
		"sessionId":       testSessionID,
		"type":            "message",
		"from":            "user",
		"payload":         map[string]any{"text": "hello"},
	}
	for k, v := range overrides {
		if v == nil {
			delete(env, k)
			continue
		}
		env[k] = v
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestValidator_Accepts(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	t.Run("minimal message", func(t *testing.T) {
		env, err := v.Validate(testSessionID, rawEnvelope(t, nil))
		require.NoError(t, err)
		assert.Equal(t, models.EventMessage, env.Type)
		assert.Equal(t, testSessionID, env.SessionID)
	})

	t.Run("every known type with a minimal payload", func(t *testing.T) {
		payloads := map[models.EventType]any{
			models.EventMessage:          map[string]any{"text": "hi"},
			models.EventAssistantMessage: map[string]any{"text": ""},
			models.EventAgentStatus:      map[string]any{"status": "thinking"},
			models.EventTaskCreated:      map[string]any{"taskId": "t1"},
			models.EventTaskStarted:      map[string]any{"taskId": "t1"},
			models.EventTaskProgress:     map[string]any{"taskId": "t1", "progress": 0.5},
			models.EventTaskCompleted:    map[string]any{"taskId": "t1"},
			models.EventTaskFailed:       map[string]any{"taskId": "t1", "reason": "boom"},
			models.EventJobEnqueued:      map[string]any{"jobId": "j1", "kind": "build"},
			models.EventJobClaimed:       map[string]any{"jobId": "j1", "workerId": "w1"},
			models.EventJobLog:           map[string]any{"jobId": "j1", "stream": "stdout", "seq": 1, "line": "ok"},
			models.EventJobCompleted:     map[string]any{"jobId": "j1"},
			models.EventJobFailed:        map[string]any{"jobId": "j1", "reason": "oom"},
			models.EventApprovalRequired: map[string]any{"approvalId": "a1", "summary": "apply diff"},
			models.EventApproved:         map[string]any{"approvalId": "a1"},
			models.EventDenied:           map[string]any{"approvalId": "a1"},
			models.EventDiffReady:        map[string]any{"jobId": "j1", "diff": "--- a\n+++ b"},
			models.EventCommitted:        map[string]any{"commitSha": "abc123", "branch": "main"},
			models.EventLog:              map[string]any{"message": "noted"},
			models.EventError:            map[string]any{"message": "bad"},
			models.EventDelegateRequest:  map[string]any{"delegationId": "d1", "to": "reviewer", "prompt": "check"},
			models.EventDelegateResponse: map[string]any{"delegationId": "d1"},
		}
		for _, typ := range models.KnownEventTypes() {
			payload, ok := payloads[typ]
			require.True(t, ok, "no fixture for %s", typ)
			t.Run(string(typ), func(t *testing.T) {
				_, err := v.Validate(testSessionID, rawEnvelope(t, map[string]any{
					"type": string(typ), "payload": payload,
				}))
				assert.NoError(t, err)
			})
		}
	})

	t.Run("unscoped validation skips the session check", func(t *testing.T) {
		_, err := v.Validate("", rawEnvelope(t, nil))
		assert.NoError(t, err)
	})
}

func TestValidator_RejectsEnvelope(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		overrides map[string]any
		field     string
	}{
		{
			name:      "wrong protocol version",
			overrides: map[string]any{"protocolVersion": 2},
			field:     "protocolVersion",
		},
		{
			name:      "missing id",
			overrides: map[string]any{"id": nil},
			field:     "id",
		},
		{
			name:      "non-uuid id",
			overrides: map[string]any{"id": "evt-1"},
			field:     "id",
		},
		{
			name:      "missing session",
			overrides: map[string]any{"sessionId": nil},
			field:     "sessionId",
		},
		{
			name:      "session mismatch",
			overrides: map[string]any{"sessionId": "22222222-2222-2222-2222-222222222222"},
			field:     "sessionId",
		},
		{
			name:      "missing from",
			overrides: map[string]any{"from": nil},
			field:     "from",
		},
		{
			name:      "unknown envelope field",
			overrides: map[string]any{"priority": "high"},
			field:     "envelope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(testSessionID, rawEnvelope(t, tt.overrides))
			var envErr *EnvelopeError
			require.ErrorAs(t, err, &envErr)
			assert.Equal(t, tt.field, envErr.Field)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		_, err := v.Validate(testSessionID, rawEnvelope(t, map[string]any{
			"type": "telemetry", "payload": map[string]any{},
		}))
		var typeErr *UnknownEventTypeError
		require.ErrorAs(t, err, &typeErr)
		assert.Equal(t, "telemetry", typeErr.Type)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := v.Validate(testSessionID, []byte(`{`))
		var envErr *EnvelopeError
		assert.ErrorAs(t, err, &envErr)
	})
}

func TestValidator_RejectsPayload(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		typ     string
		payload any
	}{
		{"missing required field", "message", map[string]any{}},
		{"empty required string", "message", map[string]any{"text": ""}},
		{"unknown payload field", "message", map[string]any{"text": "hi", "mood": "happy"}},
		{"wrong field type", "job_log", map[string]any{"jobId": "j1", "stream": "stdout", "seq": "first", "line": "x"}},
		{"enum violation", "job_log", map[string]any{"jobId": "j1", "stream": "trace", "seq": 1, "line": "x"}},
		{"range violation", "task_progress", map[string]any{"taskId": "t1", "progress": 1.5}},
		{"empty payload where fields are required", "task_failed", nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.typ, tt.name), func(t *testing.T) {
			_, err := v.Validate(testSessionID, rawEnvelope(t, map[string]any{
				"type": tt.typ, "payload": tt.payload,
			}))
			var payloadErr *PayloadError
			require.ErrorAs(t, err, &payloadErr)
			assert.Equal(t, models.EventType(tt.typ), payloadErr.Type)
		})
	}
}
