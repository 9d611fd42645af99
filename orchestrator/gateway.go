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

// Package orchestrator composes the gateway's call pipeline: locate
// backend, policy check, rate-limit check, proxy call, audit write,
// meter increment. Every terminal path writes exactly one audit entry.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"toolgate/audit"
	"toolgate/meter"
	"toolgate/policy"
	"toolgate/ratelimit"
	"toolgate/registry"
	"toolgate/shared/logger"
	"toolgate/shared/types"
)

const unknownServerID = "unknown"

// CallResult is the outcome handed back to a caller (gateway-southbound
// handler, or the tool-protocol wrapper) for one callTool invocation.
type CallResult struct {
	Status types.AuditStatus
	Result json.RawMessage
	Reason string
	Err    string
}

// Gateway wires the registry, policy engine, rate limiter, proxy layer,
// audit log, and meter into the single callTool pipeline.
type Gateway struct {
	registry *registry.Registry
	policy   *policy.Engine
	limiter  ratelimit.Limiter
	audit    *audit.Log
	meter    meter.Meter
	log      *logger.Logger
}

// New assembles a Gateway from its already-constructed collaborators.
func New(reg *registry.Registry, pol *policy.Engine, limiter ratelimit.Limiter, auditLog *audit.Log, m meter.Meter) *Gateway {
	return &Gateway{
		registry: reg,
		policy:   pol,
		limiter:  limiter,
		audit:    auditLog,
		meter:    m,
		log:      logger.New("orchestrator"),
	}
}

// CallTool runs the full pipeline for one call. ctx carries the caller's
// deadline; the per-backend CallTimeout from its descriptor bounds the
// proxy leg specifically.
func (g *Gateway) CallTool(ctx context.Context, caller types.CallerContext, tool string, args map[string]interface{}) CallResult {
	argsJSON, _ := json.Marshal(args)

	serverID, ok := g.registry.FindServerForTool(tool)
	if !ok {
		g.record(ctx, caller, unknownServerID, tool, string(argsJSON), types.AuditEntry{
			Status: types.StatusError, ErrorText: "Tool not found",
		}, 0)
		return CallResult{Status: types.StatusError, Err: "Tool not found"}
	}

	decision := g.policy.Evaluate(caller, serverID, tool, args)
	if !decision.Allowed {
		g.record(ctx, caller, serverID, tool, string(argsJSON), types.AuditEntry{
			Status: types.StatusDenied, ErrorText: decision.Reason,
		}, 0)
		return CallResult{Status: types.StatusDenied, Reason: decision.Reason}
	}

	rateKey := caller.ConsumerID + ":" + serverID
	rate := g.limiter.Check(rateKey, caller.RateOverride)
	if !rate.Allowed {
		g.record(ctx, caller, serverID, tool, string(argsJSON), types.AuditEntry{
			Status: types.StatusRateLimited, ErrorText: "rate limit exceeded",
		}, 0)
		return CallResult{Status: types.StatusRateLimited, Reason: "rate limit exceeded"}
	}

	p := g.registry.Proxy(serverID)
	if p == nil {
		g.record(ctx, caller, serverID, tool, string(argsJSON), types.AuditEntry{
			Status: types.StatusError, ErrorText: "backend not running",
		}, 0)
		g.meter.Record(caller.ConsumerID, serverID, tool, 0, true)
		return CallResult{Status: types.StatusError, Err: "backend not running"}
	}

	descriptor, _ := g.registry.Descriptor(serverID)
	deadline := descriptor.CallTimeout

	start := time.Now()
	result, err := p.CallTool(ctx, tool, args, deadline)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		g.record(ctx, caller, serverID, tool, string(argsJSON), types.AuditEntry{
			Status: types.StatusError, ErrorText: err.Error(),
		}, latencyMs)
		g.meter.Record(caller.ConsumerID, serverID, tool, latencyMs, true)
		return CallResult{Status: types.StatusError, Err: err.Error()}
	}

	g.record(ctx, caller, serverID, tool, string(argsJSON), types.AuditEntry{
		Status: types.StatusSuccess, Response: string(result),
	}, latencyMs)
	g.meter.Record(caller.ConsumerID, serverID, tool, latencyMs, false)
	return CallResult{Status: types.StatusSuccess, Result: result}
}

// record fills in the fields shared by every terminal path and persists
// exactly one audit entry. Storage failures are logged, never swallowed
// silently, per the error-handling design's surface-don't-swallow rule.
func (g *Gateway) record(ctx context.Context, caller types.CallerContext, serverID, tool, argsJSON string, partial types.AuditEntry, latencyMs int64) {
	partial.ConsumerID = caller.ConsumerID
	partial.CredentialID = caller.CredentialID
	partial.ServerID = serverID
	partial.Tool = tool
	partial.Args = argsJSON
	partial.LatencyMs = latencyMs

	if _, err := g.audit.Record(ctx, partial); err != nil {
		g.log.ErrorWithErr(caller.ConsumerID, "", "audit write failed", err, map[string]interface{}{
			"server_id": serverID, "tool": tool, "status": string(partial.Status),
		})
	}
}

// ListTools returns every tool currently discovered across all running
// backends.
func (g *Gateway) ListTools() []types.ToolDescriptor {
	var out []types.ToolDescriptor
	for _, id := range g.registry.IDs() {
		out = append(out, g.registry.Tools(id)...)
	}
	return out
}

// ServerStatus exposes the registry's per-backend runtime snapshot.
func (g *Gateway) ServerStatus() map[string]registry.BackendState {
	return g.registry.Status()
}

// StartBackend spawns a registered backend's process.
func (g *Gateway) StartBackend(ctx context.Context, id string) error {
	return g.registry.Start(ctx, id)
}

// StopBackend terminates a registered backend's process.
func (g *Gateway) StopBackend(id string) error {
	return g.registry.Stop(id)
}

// DiscoverBackend runs the tool-protocol handshake against a running
// backend and records its advertised tools.
func (g *Gateway) DiscoverBackend(ctx context.Context, id string) ([]types.ToolDescriptor, error) {
	return g.registry.Discover(ctx, id)
}

// Usage delegates to the meter for one consumer's (or everyone's, if
// empty) aggregate summary.
func (g *Gateway) Usage(consumerID string) types.MeterSummary {
	return g.meter.GetSummary(consumerID)
}

// AuditQuery delegates to the audit log's indexed lookup.
func (g *Gateway) AuditQuery(ctx context.Context, filter types.AuditFilter) ([]types.AuditEntry, error) {
	return g.audit.Query(ctx, filter)
}

// AuditVerify walks the hash chain end to end.
func (g *Gateway) AuditVerify(ctx context.Context) (types.VerifyResult, error) {
	return g.audit.Verify(ctx)
}

// AuditStats returns the audit log's aggregate counters.
func (g *Gateway) AuditStats(ctx context.Context) (types.AuditStats, error) {
	return g.audit.Stats(ctx)
}

// Close stops every backend (each proxy is closed before its process is
// signalled), then stops the meter's flush loop after a final flush. The
// storage handle behind the audit log and meter is not closed here.
func (g *Gateway) Close() {
	g.registry.StopAll()
	g.meter.Close()
}
