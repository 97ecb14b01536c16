package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest("tools/call", map[string]string{"name": "echo"}, 7)

	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "tools/call", req.Method)
	assert.Equal(t, 7, req.ID)
}

func TestIsNotification(t *testing.T) {
	assert.True(t, NewRequest(MethodInitialized, nil, nil).IsNotification())
	assert.False(t, NewRequest("tools/list", nil, 1).IsNotification())
	assert.False(t, NewRequest("tools/list", nil, 0).IsNotification(), "a zero id is still an id")
}

func TestIsInitialize(t *testing.T) {
	assert.True(t, NewRequest(MethodInitialize, nil, 1).IsInitialize())
	assert.False(t, NewRequest(MethodPing, nil, 1).IsInitialize())
}

func TestNotificationOmitsIDOnWire(t *testing.T) {
	raw, err := json.Marshal(NewRequest(MethodInitialized, nil, nil))
	require.NoError(t, err)

	assert.NotContains(t, string(raw), `"id"`)
}

func TestResponseKeepsNullIDOnWire(t *testing.T) {
	raw, err := json.Marshal(NewErrorResponse(ErrorCodeParseError, "parse error", nil, nil))
	require.NoError(t, err)

	assert.Contains(t, string(raw), `"id":null`)
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(ErrorCodeSessionNotFound, "session not found", "sess-1", 3)

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeSessionNotFound, resp.Error.Code)
	assert.Equal(t, "session not found", resp.Error.Error())
	assert.Equal(t, "sess-1", resp.Error.Data)
	assert.Equal(t, 3, resp.ID)
	assert.Nil(t, resp.Result)
}

// Params arrive as map[string]interface{} after generic decoding of the
// HTTP body; the parse helpers must recover the typed view from that.
func TestParseInitializeParamsFromDecodedBody(t *testing.T) {
	body := `{
		"jsonrpc": "2.0",
		"method": "initialize",
		"id": 1,
		"params": {
			"protocolVersion": "2025-06-18",
			"capabilities": {"tools": {}},
			"clientInfo": {"name": "inspector", "version": "0.3.0"}
		}
	}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	params, err := ParseInitializeParams(&req)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-18", params.ProtocolVersion)
	assert.Equal(t, "inspector", params.ClientInfo.Name)
	assert.NotNil(t, params.Capabilities.Tools)
}

func TestParseInitializeParamsRejectsWrongShape(t *testing.T) {
	req := NewRequest(MethodInitialize, map[string]interface{}{
		"protocolVersion": []string{"not", "a", "string"},
	}, 1)

	_, err := ParseInitializeParams(req)
	assert.Error(t, err)
}

func TestParseInitializeResultFromDecodedBody(t *testing.T) {
	body := `{
		"jsonrpc": "2.0",
		"id": 1,
		"result": {
			"protocolVersion": "2025-03-26",
			"serverInfo": {"name": "filesystem", "version": "1.2.0"}
		}
	}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	result, err := ParseInitializeResult(&resp)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "filesystem", result.ServerInfo.Name)
}
