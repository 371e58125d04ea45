package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akutishevsky/withings-mcp/client"
	"github.com/akutishevsky/withings-mcp/internal/testutil"
)

type recordedCall struct {
	bridgeToken string
	path        string
	params      url.Values
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []recordedCall
	body  json.RawMessage
	err   error
}

func (f *fakeCaller) Call(_ context.Context, bridgeToken, path string, params url.Values) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{bridgeToken: bridgeToken, path: path, params: params})
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type toolResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func rpc(t *testing.T, caller Caller, method string, params any) rpcResponse {
	t.Helper()
	srv := NewServer(caller, "bridge-abc", "test", testutil.DiscardLogger())

	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	msg := srv.HandleMessage(context.Background(), req)
	require.NotNil(t, msg)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func callTool(t *testing.T, caller Caller, name string, args map[string]any) toolResult {
	t.Helper()
	resp := rpc(t, caller, "tools/call", map[string]any{"name": name, "arguments": args})
	require.Nil(t, resp.Error)

	var result toolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.Content)
	return result
}

func TestToolsList(t *testing.T) {
	resp := rpc(t, &fakeCaller{}, "tools/list", map[string]any{})
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"get_activity",
		"get_devices",
		"get_heart_recordings",
		"get_measurements",
		"get_sleep_summary",
		"get_workouts",
	}, names)
}

func TestInitialize(t *testing.T) {
	resp := rpc(t, &fakeCaller{}, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "1"},
	})
	require.Nil(t, resp.Error)

	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ServerName, result.ServerInfo.Name)
}

func TestDailyRangeTools(t *testing.T) {
	tests := []struct {
		tool       string
		wantPath   string
		wantAction string
	}{
		{"get_activity", "/v2/measure", "getactivity"},
		{"get_sleep_summary", "/v2/sleep", "getsummary"},
		{"get_workouts", "/v2/measure", "getworkouts"},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			caller := &fakeCaller{body: json.RawMessage(`{"series":[]}`)}
			result := callTool(t, caller, tt.tool, map[string]any{
				"start_date": "2025-01-01",
				"end_date":   "2025-01-07",
			})

			assert.False(t, result.IsError)
			assert.Equal(t, `{"series":[]}`, result.Content[0].Text)

			require.Len(t, caller.calls, 1)
			call := caller.calls[0]
			assert.Equal(t, "bridge-abc", call.bridgeToken)
			assert.Equal(t, tt.wantPath, call.path)
			assert.Equal(t, tt.wantAction, call.params.Get("action"))
			assert.Equal(t, "2025-01-01", call.params.Get("startdateymd"))
			assert.Equal(t, "2025-01-07", call.params.Get("enddateymd"))
		})
	}
}

func TestGetMeasurements(t *testing.T) {
	caller := &fakeCaller{body: json.RawMessage(`{"measuregrps":[]}`)}
	result := callTool(t, caller, "get_measurements", map[string]any{
		"start_date": "2025-01-01",
		"end_date":   "2025-01-01",
		"types":      "weight, fat_ratio,54",
	})
	assert.False(t, result.IsError)

	require.Len(t, caller.calls, 1)
	params := caller.calls[0].params
	assert.Equal(t, "/measure", caller.calls[0].path)
	assert.Equal(t, "getmeas", params.Get("action"))
	assert.Equal(t, "1,6,54", params.Get("meastypes"))
	assert.Equal(t, "1735689600", params.Get("startdate"))
	assert.Equal(t, "1735775999", params.Get("enddate"))
}

func TestGetMeasurements_UnknownType(t *testing.T) {
	caller := &fakeCaller{}
	result := callTool(t, caller, "get_measurements", map[string]any{
		"start_date": "2025-01-01",
		"end_date":   "2025-01-02",
		"types":      "mood",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "mood")
	assert.Empty(t, caller.calls)
}

func TestGetDevices(t *testing.T) {
	caller := &fakeCaller{body: json.RawMessage(`{"devices":[]}`)}
	result := callTool(t, caller, "get_devices", map[string]any{})
	assert.False(t, result.IsError)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "/v2/user", caller.calls[0].path)
	assert.Equal(t, "getdevice", caller.calls[0].params.Get("action"))
}

func TestGetHeartRecordings(t *testing.T) {
	caller := &fakeCaller{body: json.RawMessage(`{"series":[]}`)}
	result := callTool(t, caller, "get_heart_recordings", map[string]any{
		"start_date": "2025-01-01",
		"end_date":   "2025-01-31",
	})
	assert.False(t, result.IsError)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "/v2/heart", caller.calls[0].path)
	assert.Equal(t, "list", caller.calls[0].params.Get("action"))
}

func TestDateValidation(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing start", map[string]any{"end_date": "2025-01-01"}, "start_date"},
		{"bad start", map[string]any{"start_date": "01/01/2025", "end_date": "2025-01-01"}, "start_date must be YYYY-MM-DD"},
		{"bad end", map[string]any{"start_date": "2025-01-01", "end_date": "tomorrow"}, "end_date must be YYYY-MM-DD"},
		{"reversed", map[string]any{"start_date": "2025-02-01", "end_date": "2025-01-01"}, "before start_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{}
			result := callTool(t, caller, "get_sleep_summary", tt.args)
			assert.True(t, result.IsError)
			assert.Contains(t, result.Content[0].Text, tt.want)
			assert.Empty(t, caller.calls)
		})
	}
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"reauthentication", fmt.Errorf("wrapped: %w", client.ErrReauthenticationRequired), "authorize again"},
		{"api status", &client.APIError{Status: 503, Message: "Invalid params"}, "status 503"},
		{"transport", errors.New("dial tcp: connection refused"), "request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, &fakeCaller{err: tt.err}, "get_devices", map[string]any{})
			assert.True(t, result.IsError)
			assert.Contains(t, result.Content[0].Text, tt.want)
			assert.NotContains(t, result.Content[0].Text, "connection refused")
		})
	}
}
