package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// JSON-RPC messages of the remote tool protocol.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// rpcConn multiplexes JSON-RPC calls over a line-delimited stream.
type rpcConn struct {
	mu      sync.Mutex
	writer  io.Writer
	scanner *bufio.Scanner
	id      int
	pending map[int]chan *rpcResponse
	timeout time.Duration
}

func newRPCConn(w io.Writer, r io.Reader, timeout time.Duration) *rpcConn {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn := &rpcConn{
		writer:  w,
		scanner: bufio.NewScanner(r),
		pending: make(map[int]chan *rpcResponse),
		timeout: timeout,
	}
	conn.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	go conn.listen()
	return conn
}

func (c *rpcConn) listen() {
	for c.scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			log.Error().Err(err).Msg("Failed to unmarshal tool server response")
			continue
		}

		if id, ok := resp.ID.(float64); ok {
			c.mu.Lock()
			ch, exists := c.pending[int(id)]
			if exists {
				delete(c.pending, int(id))
				ch <- &resp
			}
			c.mu.Unlock()
		}
	}
}

func (c *rpcConn) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	c.id++
	id := c.id
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	writer := c.writer
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(writer, string(data)+"\n"); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("tool server request timeout")
	}
}

// StdioProvider serves tools from a remote tool server spoken to over
// JSON-RPC on the child process's stdin/stdout.
type StdioProvider struct {
	name    string
	command string
	args    []string
	timeout time.Duration

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	conn    *rpcConn
}

// NewStdioProvider creates a provider for the given server command.
// The process starts lazily on first use.
func NewStdioProvider(name, command string, args []string, timeout time.Duration) *StdioProvider {
	return &StdioProvider{name: name, command: command, args: args, timeout: timeout}
}

// Name implements Provider.
func (p *StdioProvider) Name() string {
	return p.name
}

// Start launches the server process and performs the initialize
// handshake. Calling Start on a running provider is a no-op.
func (p *StdioProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.process != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	p.process = cmd
	p.stdin = stdin
	p.conn = newRPCConn(stdin, stdout, p.timeout)

	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "nyra",
			"version": "0.1.0",
		},
	}
	if _, err := p.conn.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("tool server handshake failed: %w", err)
	}
	log.Info().Str("server", p.name).Str("command", p.command).Msg("Tool server started")
	return nil
}

// ListTools implements Provider.
func (p *StdioProvider) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	resp, err := p.conn.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, err
	}

	descs := make([]ToolDescriptor, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		descs = append(descs, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return descs, nil
}

// Execute implements Provider.
func (p *StdioProvider) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	if err := p.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start tool server: %w", err)
	}

	resp, err := p.conn.call(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	return renderToolResult(resp.Result)
}

// renderToolResult flattens a tool-call result into the text handed to
// the model. Content blocks of type text are joined; anything else is
// passed through as JSON.
func renderToolResult(raw json.RawMessage) (string, error) {
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 {
		return string(raw), nil
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = string(raw)
	}
	if result.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// Stop kills the server process.
func (p *StdioProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.process != nil && p.process.Process != nil {
		err := p.process.Process.Kill()
		p.process = nil
		return err
	}
	return nil
}
