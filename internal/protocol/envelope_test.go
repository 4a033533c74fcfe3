package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, env.Type)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
}

func TestDecodeData(t *testing.T) {
	env, err := Decode([]byte(`{"type":"login","data":{"username":"ana","password":"s"}}`))
	require.NoError(t, err)

	var req LoginRequest
	require.NoError(t, DecodeData(env, &req))
	assert.Equal(t, "ana", req.Username)

	// Missing data is an error, not a zero value.
	env, _ = Decode([]byte(`{"type":"login"}`))
	assert.Error(t, DecodeData(env, &req))
}

func TestNewDirectiveShape(t *testing.T) {
	raw, err := NewDirective("restart_service", map[string]any{"service_name": "ServicoFiscal"})
	require.NoError(t, err)

	var decoded struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Data      struct {
			Action     string         `json:"action"`
			Parameters map[string]any `json:"parameters"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "command", decoded.Type)
	assert.NotEmpty(t, decoded.Timestamp)
	assert.Equal(t, "restart_service", decoded.Data.Action)
	assert.Equal(t, "ServicoFiscal", decoded.Data.Parameters["service_name"])
}

func TestNewDirectiveNilParameters(t *testing.T) {
	raw, err := NewDirective("get_status", nil)
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)

	var payload DirectivePayload
	require.NoError(t, DecodeData(env, &payload))
	assert.NotNil(t, payload.Parameters)
}

func TestEncodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeLoginResult, LoginResult{Success: true, SessionID: "SES_1"})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, env.Timestamp)

	var result LoginResult
	require.NoError(t, DecodeData(env, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "SES_1", result.SessionID)
}
