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

// Package registry implements the backend registry and supervisor:
// child-process lifecycle, tool discovery, restart, and health, indexed
// by backend id.
package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"toolgate/gatewayerr"
	"toolgate/proxy"
	"toolgate/shared/logger"
	"toolgate/shared/types"
)

const (
	settleInterval  = 100 * time.Millisecond
	gracefulTimeout = 5 * time.Second
	stderrCapBytes  = 500
)

// entry is the mutable runtime state for one descriptor.
type entry struct {
	descriptor   types.BackendDescriptor
	status       types.BackendStatus
	proxy        *proxy.Proxy
	cmd          *exec.Cmd
	tools        []types.ToolDescriptor
	lastErrText  string
	startedAt    time.Time
	restartCount int
	stdinCloser  func() error
	// exited is closed by watchExit's single cmd.Wait once the process has
	// actually exited. stopEntry observes this channel instead of calling
	// Wait a second time, since exec.Cmd.Wait may only be called once.
	exited chan struct{}
}

// Registry holds every configured backend and owns its process handle.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, preserved for find-server-for-tool
	log     *logger.Logger
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logger.New("registry"),
	}
}

// Add registers a backend descriptor without starting it.
func (r *Registry) Add(d types.BackendDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.entries[d.ID] = &entry{descriptor: d, status: types.BackendStopped}
}

// Remove terminates any running process for id and drops the descriptor.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return gatewayerr.New(gatewayerr.NotFound, "registry.Remove", "unknown backend "+id, nil)
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.stopEntry(e)
	return nil
}

// Start spawns the backend's process if it is not already running.
// Refuses disabled backends. Transitions stopped -> starting -> running,
// or -> error on a non-zero exit before the settle window elapses.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return gatewayerr.New(gatewayerr.NotFound, "registry.Start", "unknown backend "+id, nil)
	}
	if !e.descriptor.Enabled {
		r.mu.Unlock()
		return gatewayerr.New(gatewayerr.Config, "registry.Start", "backend "+id+" is disabled", nil)
	}
	if e.status == types.BackendRunning || e.status == types.BackendStarting {
		r.mu.Unlock()
		return nil
	}
	if e.startedAt.IsZero() == false {
		e.restartCount++
	}
	e.status = types.BackendStarting
	d := e.descriptor
	r.mu.Unlock()

	cmd := exec.CommandContext(context.Background(), d.Command, d.Args...)
	cmd.Env = mergeEnv(os.Environ(), d.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.transitionError(id, fmt.Sprintf("failed to open stdin: %v", err))
		return gatewayerr.New(gatewayerr.Transport, "registry.Start", "failed to open stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.transitionError(id, fmt.Sprintf("failed to open stdout: %v", err))
		return gatewayerr.New(gatewayerr.Transport, "registry.Start", "failed to open stdout", err)
	}
	stderrBuf := newCappedBuffer(stderrCapBytes)
	cmd.Stderr = stderrBuf
	// Bound how long Wait blocks on the stderr pipe after the process
	// exits, since a grandchild may still hold it open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		r.transitionError(id, fmt.Sprintf("failed to start: %v", err))
		return gatewayerr.New(gatewayerr.Transport, "registry.Start", "failed to start backend", err)
	}

	p := proxy.New(stdout, stdin)
	exited := make(chan struct{})

	r.mu.Lock()
	e.cmd = cmd
	e.proxy = p
	e.stdinCloser = stdin.Close
	e.exited = exited
	r.mu.Unlock()

	go r.watchExit(id, cmd, stderrBuf, exited)

	time.Sleep(settleInterval)

	r.mu.Lock()
	if e.status == types.BackendStarting {
		e.status = types.BackendRunning
		e.startedAt = time.Now()
	}
	finalStatus := e.status
	r.mu.Unlock()

	if finalStatus != types.BackendRunning {
		return gatewayerr.New(gatewayerr.Transport, "registry.Start", "backend exited before settling", nil)
	}
	return nil
}

// watchExit blocks on the process and transitions the entry to stopped
// (clean exit) or error (non-zero exit), capturing stderr. It is the
// only caller of cmd.Wait for this process; stopEntry observes exited
// rather than calling Wait itself, since a second Wait call returns
// immediately with an error instead of blocking for the real exit.
func (r *Registry) watchExit(id string, cmd *exec.Cmd, stderrBuf *cappedBuffer, exited chan struct{}) {
	err := cmd.Wait()
	defer close(exited)

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.lastErrText = stderrBuf.String()
	if err != nil {
		e.status = types.BackendError
		r.log.Error("", "", "backend exited with error", map[string]interface{}{"backend_id": id, "error": err.Error()})
	} else {
		e.status = types.BackendStopped
	}
	if e.proxy != nil {
		e.proxy.Close()
	}
	r.mu.Unlock()
}

func (r *Registry) transitionError(id, message string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.status = types.BackendError
		e.lastErrText = message
	}
	r.mu.Unlock()
}

// Stop sends a polite termination then escalates to SIGKILL after the
// graceful window. Idempotent.
func (r *Registry) Stop(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return gatewayerr.New(gatewayerr.NotFound, "registry.Stop", "unknown backend "+id, nil)
	}
	r.stopEntry(e)
	return nil
}

func (r *Registry) stopEntry(e *entry) {
	r.mu.Lock()
	cmd := e.cmd
	p := e.proxy
	stdinClose := e.stdinCloser
	exited := e.exited
	r.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if stdinClose != nil {
		stdinClose()
	}
	if cmd == nil || cmd.Process == nil || exited == nil {
		r.mu.Lock()
		e.status = types.BackendStopped
		e.cmd = nil
		e.proxy = nil
		r.mu.Unlock()
		return
	}

	_ = cmd.Process.Signal(gracefulSignal)
	select {
	case <-exited:
	case <-time.After(gracefulTimeout):
		cmd.Process.Kill()
		<-exited
	}

	r.mu.Lock()
	e.status = types.BackendStopped
	e.cmd = nil
	e.proxy = nil
	e.exited = nil
	r.mu.Unlock()
}

// StopAll drains every running backend to completion or the graceful
// window, escalating to a forced kill. Never leaves an orphan process.
func (r *Registry) StopAll() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.stopEntry(e)
		}(e)
	}
	wg.Wait()
}

// RegisterTools replaces the discovered tool set for a backend.
func (r *Registry) RegisterTools(id string, tools []types.ToolDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return gatewayerr.New(gatewayerr.NotFound, "registry.RegisterTools", "unknown backend "+id, nil)
	}
	e.tools = tools
	return nil
}

// Discover runs the tool-protocol handshake and tools/list against a
// running backend's proxy and records the result.
func (r *Registry) Discover(ctx context.Context, id string) ([]types.ToolDescriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, gatewayerr.New(gatewayerr.NotFound, "registry.Discover", "unknown backend "+id, nil)
	}
	if e.proxy == nil {
		return nil, gatewayerr.New(gatewayerr.Transport, "registry.Discover", "backend "+id+" is not running", nil)
	}

	timeout := e.descriptor.CallTimeout
	if err := e.proxy.Initialize(ctx, map[string]interface{}{"name": "toolgate", "version": "1"}, timeout); err != nil {
		return nil, gatewayerr.New(gatewayerr.Remote, "registry.Discover", "initialize failed", err)
	}
	tools, err := e.proxy.ListTools(ctx, timeout)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Remote, "registry.Discover", "tools/list failed", err)
	}

	out := make([]types.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, types.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	r.RegisterTools(id, out)
	return out, nil
}

// FindServerForTool returns the first backend (in registration order)
// whose discovered set contains a tool with this name. Duplicate tool
// names across backends resolve first-registered-wins; a warning is
// logged on every lookup that finds a later backend shadowing an earlier
// one.
func (r *Registry) FindServerForTool(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := ""
	for _, id := range r.order {
		e := r.entries[id]
		for _, t := range e.tools {
			if t.Name == name {
				if found == "" {
					found = id
				} else {
					r.log.Warn("", "", "duplicate tool name across backends, ignoring later registration", map[string]interface{}{
						"tool": name, "owner": found, "shadowed_by": id,
					})
				}
			}
		}
	}
	if found == "" {
		return "", false
	}
	return found, true
}

// Proxy returns the live proxy for a running backend, or nil.
func (r *Registry) Proxy(id string) *proxy.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.proxy
}

// Tools returns the discovered tool set for a backend.
func (r *Registry) Tools(id string) []types.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.tools
}

// IDs returns every registered backend id in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptor returns the static configuration for a backend.
func (r *Registry) Descriptor(id string) (types.BackendDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.BackendDescriptor{}, false
	}
	return e.descriptor, true
}

// BackendState is the snapshot returned by Status.
type BackendState struct {
	Status      types.BackendStatus
	ToolCount   int
	Uptime      time.Duration
	LastErrText string
}

// Status returns a per-backend snapshot of runtime state.
func (r *Registry) Status() map[string]BackendState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]BackendState, len(r.entries))
	for id, e := range r.entries {
		uptime := time.Duration(0)
		if e.status == types.BackendRunning && !e.startedAt.IsZero() {
			uptime = time.Since(e.startedAt)
		}
		out[id] = BackendState{
			Status:      e.status,
			ToolCount:   len(e.tools),
			Uptime:      uptime,
			LastErrText: e.lastErrText,
		}
	}
	return out
}

func mergeEnv(base []string, overlay map[string]string) []string {
	merged := make([]string, len(base))
	copy(merged, base)
	for k, v := range overlay {
		merged = append(merged, k+"="+v)
	}
	return merged
}
