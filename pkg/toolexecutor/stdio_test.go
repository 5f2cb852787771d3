package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPCServer answers JSON-RPC requests over an in-memory pipe the
// way a stdio tool server does over its stdin/stdout.
func fakeRPCServer(t *testing.T, handle func(method string, params json.RawMessage) any) (io.Writer, io.Reader) {
	t.Helper()

	clientToServer, clientWriter := io.Pipe()
	serverReader := clientToServer
	serverToClient, serverWriter := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(serverReader)
		for scanner.Scan() {
			var req struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
				ID     any             `json:"id"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  handle(req.Method, req.Params),
			}
			data, _ := json.Marshal(resp)
			serverWriter.Write(append(data, '\n'))
		}
	}()

	return clientWriter, serverToClient
}

func TestRPCConnRoundTrip(t *testing.T) {
	w, r := fakeRPCServer(t, func(method string, _ json.RawMessage) any {
		require.Equal(t, "ping", method)
		return map[string]any{"pong": true}
	})
	conn := newRPCConn(w, r, time.Second)

	resp, err := conn.call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Result))
}

func TestRPCConnConcurrentCallsMatchIDs(t *testing.T) {
	w, r := fakeRPCServer(t, func(_ string, params json.RawMessage) any {
		var p map[string]any
		json.Unmarshal(params, &p)
		return p
	})
	conn := newRPCConn(w, r, time.Second)

	done := make(chan string, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			payload := map[string]any{"n": i}
			resp, err := conn.call(context.Background(), "echo", payload)
			if err != nil {
				done <- err.Error()
				return
			}
			var got map[string]float64
			json.Unmarshal(resp.Result, &got)
			if int(got["n"]) != i {
				done <- "mismatched response"
				return
			}
			done <- ""
		}(i)
	}
	for i := 0; i < 10; i++ {
		assert.Empty(t, <-done)
	}
}

func TestRPCConnServerError(t *testing.T) {
	clientToServer, clientWriter := io.Pipe()
	serverToClient, serverWriter := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(clientToServer)
		for scanner.Scan() {
			var req struct {
				ID any `json:"id"`
			}
			json.Unmarshal(scanner.Bytes(), &req)
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			}
			data, _ := json.Marshal(resp)
			serverWriter.Write(append(data, '\n'))
		}
	}()

	conn := newRPCConn(clientWriter, serverToClient, time.Second)
	_, err := conn.call(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestRPCConnTimeout(t *testing.T) {
	// a server that never answers
	serverToClient, _ := io.Pipe()

	conn := newRPCConn(io.Discard, serverToClient, 30*time.Millisecond)
	_, err := conn.call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRPCConnContextCancel(t *testing.T) {
	serverToClient, _ := io.Pipe()

	conn := newRPCConn(io.Discard, serverToClient, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := conn.call(ctx, "ping", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderToolResultJoinsTextBlocks(t *testing.T) {
	out, err := renderToolResult(json.RawMessage(`{
		"content": [
			{"type": "text", "text": "line one"},
			{"type": "image", "data": "..."},
			{"type": "text", "text": "line two"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", out)
}

func TestRenderToolResultErrorFlag(t *testing.T) {
	_, err := renderToolResult(json.RawMessage(`{
		"isError": true,
		"content": [{"type": "text", "text": "file not found"}]
	}`))
	require.Error(t, err)
	assert.Equal(t, "file not found", err.Error())
}

func TestRenderToolResultFallsBackToRawJSON(t *testing.T) {
	raw := `{"rows": [1, 2, 3]}`
	out, err := renderToolResult(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}
