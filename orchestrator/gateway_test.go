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

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"toolgate/audit"
	"toolgate/meter"
	"toolgate/policy"
	"toolgate/ratelimit"
	"toolgate/registry"
	"toolgate/shared/types"
	"toolgate/storage"
)

func newTestGateway(t *testing.T, policies []types.Policy) (*Gateway, *registry.Registry) {
	dir := t.TempDir()
	store, err := storage.NewEmbedded(filepath.Join(dir, "audit.jsonl"), filepath.Join(dir, "meter.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.New(context.Background(), store)
	require.NoError(t, err)

	reg := registry.New()
	pol := policy.New(policies)
	lim := ratelimit.New(100, 2.0)
	m := meter.New(store, 0)
	t.Cleanup(m.Close)

	return New(reg, pol, lim, auditLog, m), reg
}

func allowAllPolicy() []types.Policy {
	return []types.Policy{{
		ID: "p1", Roles: []string{"*"},
		Rules: []types.Rule{{Action: types.ActionAllow}},
	}}
}

func TestCallToolNotFoundWritesOneAuditEntry(t *testing.T) {
	g, _ := newTestGateway(t, allowAllPolicy())
	caller := types.CallerContext{ConsumerID: "c1", Roles: []string{"user"}}

	result := g.CallTool(context.Background(), caller, "nosuch", nil)
	require.Equal(t, types.StatusError, result.Status)

	stats, err := g.AuditStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Total)
	require.Equal(t, int64(1), stats.ByServer[unknownServerID])
}

func TestCallToolDeniedWritesOneAuditEntryNoMutation(t *testing.T) {
	g, reg := newTestGateway(t, []types.Policy{{
		ID: "deny-all", Roles: []string{"*"},
		Rules: []types.Rule{{Action: types.ActionDeny}},
	}})
	reg.Add(types.BackendDescriptor{ID: "s1", Enabled: true})
	reg.RegisterTools("s1", []types.ToolDescriptor{{Name: "t1"}})

	caller := types.CallerContext{ConsumerID: "c1", Roles: []string{"user"}}
	result := g.CallTool(context.Background(), caller, "t1", nil)
	require.Equal(t, types.StatusDenied, result.Status)

	stats, err := g.AuditStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Total)
	require.Equal(t, int64(1), stats.ByStatus[types.StatusDenied])

	usage := g.Usage("c1")
	require.Equal(t, int64(0), usage.TotalCalls)
}

func TestCallToolRateLimitedWritesOneAuditEntry(t *testing.T) {
	g, reg := newTestGateway(t, allowAllPolicy())
	g.limiter = ratelimit.New(1, 1.0)
	reg.Add(types.BackendDescriptor{ID: "s1", Enabled: true})
	reg.RegisterTools("s1", []types.ToolDescriptor{{Name: "t1"}})

	caller := types.CallerContext{ConsumerID: "c1", Roles: []string{"user"}}
	ctx := context.Background()

	first := g.CallTool(ctx, caller, "t1", nil)
	require.Equal(t, types.StatusError, first.Status) // backend not running, still consumes the rate-limit slot

	second := g.CallTool(ctx, caller, "t1", nil)
	require.Equal(t, types.StatusRateLimited, second.Status)

	stats, err := g.AuditStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.ByStatus[types.StatusRateLimited])
}

func TestCallToolBackendNotRunningWritesOneAuditEntry(t *testing.T) {
	g, reg := newTestGateway(t, allowAllPolicy())
	reg.Add(types.BackendDescriptor{ID: "s1", Enabled: true})
	reg.RegisterTools("s1", []types.ToolDescriptor{{Name: "t1"}})

	caller := types.CallerContext{ConsumerID: "c1", Roles: []string{"user"}}
	result := g.CallTool(context.Background(), caller, "t1", nil)
	require.Equal(t, types.StatusError, result.Status)
	require.Equal(t, "backend not running", result.Err)

	stats, err := g.AuditStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Total)
}

func TestListToolsAggregatesAcrossBackends(t *testing.T) {
	g, reg := newTestGateway(t, allowAllPolicy())
	reg.Add(types.BackendDescriptor{ID: "s1", Enabled: true})
	reg.Add(types.BackendDescriptor{ID: "s2", Enabled: true})
	reg.RegisterTools("s1", []types.ToolDescriptor{{Name: "a"}})
	reg.RegisterTools("s2", []types.ToolDescriptor{{Name: "b"}})

	tools := g.ListTools()
	require.Len(t, tools, 2)
}
