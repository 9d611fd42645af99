// Copyright 2025 Toolgate Authors
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy implements request/response correlation for the tool
// protocol over a backend's stdio pipes: one JSON-RPC object per line
// out, a buffered newline-split reader in, matched by numeric id.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"toolgate/gatewayerr"
	"toolgate/jsonrpc"
)

const (
	// ProtocolVersion is the canonical tool-protocol handshake version.
	ProtocolVersion = "2024-11-05"
	defaultDeadline = 30 * time.Second
)

// timeoutSentinel is sent on a pendingCall's resolve channel by timeout()
// to distinguish a deadline expiry from Close()'s nil send. Identity only;
// its content is never read.
var timeoutSentinel = &jsonrpc.Message{}

type pendingCall struct {
	resolve chan *jsonrpc.Message
	timer   *time.Timer
	done    bool
}

// Proxy owns one backend process's stdio and correlates requests with
// replies by numeric id.
type Proxy struct {
	mu        sync.Mutex
	nextID    int64
	pending   map[int64]*pendingCall
	w         io.Writer
	destroyed bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New starts reading r in a background goroutine and returns a Proxy
// that writes requests to w. Call Close when the backend is torn down.
func New(r io.Reader, w io.Writer) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		pending: make(map[int64]*pendingCall),
		w:       w,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.readLoop(ctx, r)
	return p
}

func (p *Proxy) readLoop(ctx context.Context, r io.Reader) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		msg, err := jsonrpc.Parse(line)
		if err != nil {
			continue // non-JSON line: stderr bleed or diagnostic, discarded
		}
		if msg.Type() != jsonrpc.TypeResponse {
			continue // notifications reserved for future forwarding
		}
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			continue
		}
		p.complete(id, msg)
	}
}

// complete resolves a pending call outside the lock to avoid re-entrant
// locking against a caller blocked on the same mutex.
func (p *Proxy) complete(id int64, msg *jsonrpc.Message) {
	p.mu.Lock()
	call, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return // unknown id, or already timed out: late response, ignored
	}
	call.timer.Stop()
	call.resolve <- msg
}

// Call sends a request and blocks until a matching reply arrives, the
// deadline elapses, or ctx is cancelled.
func (p *Proxy) Call(ctx context.Context, method string, params interface{}, deadline time.Duration) (json.RawMessage, error) {
	if deadline <= 0 {
		deadline = defaultDeadline
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.Transport, "proxy.Call", "proxy destroyed", nil)
	}
	p.nextID++
	id := p.nextID
	call := &pendingCall{resolve: make(chan *jsonrpc.Message, 1)}
	call.timer = time.AfterFunc(deadline, func() { p.timeout(id) })
	p.pending[id] = call
	p.mu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		p.removePending(id)
		return nil, gatewayerr.New(gatewayerr.Transport, "proxy.Call", "failed to build request", err)
	}
	line, err := jsonrpc.Serialize(req)
	if err != nil {
		p.removePending(id)
		return nil, gatewayerr.New(gatewayerr.Transport, "proxy.Call", "failed to serialize request", err)
	}
	line = append(line, '\n')

	p.mu.Lock()
	_, writeErr := p.w.Write(line)
	p.mu.Unlock()
	if writeErr != nil {
		p.removePending(id)
		return nil, gatewayerr.New(gatewayerr.Transport, "proxy.Call", "stdin write failed", writeErr)
	}

	select {
	case msg := <-call.resolve:
		switch {
		case msg == timeoutSentinel:
			return nil, gatewayerr.New(gatewayerr.Timeout, "proxy.Call", fmt.Sprintf("deadline %s exceeded", deadline), nil)
		case msg == nil:
			return nil, gatewayerr.New(gatewayerr.Transport, "proxy.Call", "proxy destroyed", nil)
		case msg.Error != nil:
			return nil, gatewayerr.New(gatewayerr.Remote, "proxy.Call", msg.Error.Message, msg.Error)
		default:
			return msg.Result, nil
		}
	case <-ctx.Done():
		p.removePending(id)
		return nil, gatewayerr.New(gatewayerr.Timeout, "proxy.Call", "call cancelled", ctx.Err())
	}
}

func (p *Proxy) timeout(id int64) {
	p.mu.Lock()
	call, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if ok {
		call.resolve <- timeoutSentinel
	}
}

func (p *Proxy) removePending(id int64) {
	p.mu.Lock()
	if call, ok := p.pending[id]; ok {
		call.timer.Stop()
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

// Close fails every pending call with "proxy destroyed" and stops the
// read loop. It is idempotent.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	pending := p.pending
	p.pending = make(map[int64]*pendingCall)
	p.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.resolve <- nil
	}
	p.cancel()
}

// Initialize performs the tool-protocol handshake.
func (p *Proxy) Initialize(ctx context.Context, clientInfo map[string]interface{}, deadline time.Duration) error {
	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
	_, err := p.Call(ctx, "initialize", params, deadline)
	return err
}

// ListTools discovers the tools a backend advertises.
func (p *Proxy) ListTools(ctx context.Context, deadline time.Duration) ([]ToolInfo, error) {
	raw, err := p.Call(ctx, "tools/list", map[string]interface{}{}, deadline)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, gatewayerr.New(gatewayerr.Remote, "proxy.ListTools", "malformed tools/list result", err)
	}
	return out.Tools, nil
}

// ToolInfo mirrors one entry of a tools/list result.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// CallTool invokes a tool and returns its result verbatim.
func (p *Proxy) CallTool(ctx context.Context, name string, args map[string]interface{}, deadline time.Duration) (json.RawMessage, error) {
	params := map[string]interface{}{"name": name, "arguments": args}
	return p.Call(ctx, "tools/call", params, deadline)
}
