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

package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"toolgate/shared/types"
)

func TestDefaultDenyEmptyRoles(t *testing.T) {
	e := New([]types.Policy{
		{ID: "p1", Name: "admin", Roles: []string{"admin"}, Rules: []types.Rule{{Action: types.ActionAllow}}},
	})
	ctx := types.CallerContext{ConsumerID: "c", Roles: []string{}}
	d := e.Evaluate(ctx, "server-A", "anything", nil)
	require.False(t, d.Allowed)
	require.Equal(t, "No matching rule", d.Reason)
}

func TestReaderAllowedWildcardDenied(t *testing.T) {
	e := New([]types.Policy{
		{
			ID: "p1", Name: "reader", Roles: []string{"reader"},
			Rules: []types.Rule{
				{ToolGlob: "get_*", Action: types.ActionAllow},
				{ToolGlob: "*", Action: types.ActionDeny},
			},
		},
	})
	ctx := types.CallerContext{ConsumerID: "c", Roles: []string{"reader"}}

	d := e.Evaluate(ctx, "server-A", "get_series", nil)
	require.True(t, d.Allowed)

	d = e.Evaluate(ctx, "server-A", "delete_x", nil)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "reader")
}

func TestAdminFullAccess(t *testing.T) {
	e := New([]types.Policy{
		{ID: "p1", Name: "admin", Roles: []string{"admin"}, Rules: []types.Rule{{Action: types.ActionAllow}}},
	})
	ctx := types.CallerContext{ConsumerID: "c", Roles: []string{"admin"}}
	d := e.Evaluate(ctx, "anywhere", "delete_anything", nil)
	require.True(t, d.Allowed)
}

func TestServerRestrictionWinsOnSpecificity(t *testing.T) {
	e := New([]types.Policy{
		{
			ID: "p1", Name: "reader", Roles: []string{"reader"},
			Rules: []types.Rule{
				{ToolGlob: "get_*", Action: types.ActionAllow},
				{ToolGlob: "*", Action: types.ActionDeny},
			},
		},
		{
			ID: "p2", Name: "pay-restriction", Roles: []string{"reader"},
			Rules: []types.Rule{
				{ServerGlob: "pay", ToolGlob: "*", Action: types.ActionDeny},
			},
		},
	})
	ctx := types.CallerContext{ConsumerID: "c", Roles: []string{"reader"}}

	d := e.Evaluate(ctx, "pay", "get_x", nil)
	require.False(t, d.Allowed)

	d = e.Evaluate(ctx, "other", "get_x", nil)
	require.True(t, d.Allowed)
}

func TestSpecificityOrderStableAcrossConfigOrder(t *testing.T) {
	build := func(order []types.Rule) *Engine {
		return New([]types.Policy{{ID: "p1", Name: "reader", Roles: []string{"reader"}, Rules: order}})
	}
	ctx := types.CallerContext{ConsumerID: "c", Roles: []string{"reader"}}

	e1 := build([]types.Rule{
		{ServerGlob: "a", ToolGlob: "x", Action: types.ActionAllow},
		{ServerGlob: "a", ToolGlob: "y", Action: types.ActionDeny},
	})
	e2 := build([]types.Rule{
		{ServerGlob: "a", ToolGlob: "y", Action: types.ActionDeny},
		{ServerGlob: "a", ToolGlob: "x", Action: types.ActionAllow},
	})

	require.Equal(t, e1.Evaluate(ctx, "a", "x", nil).Allowed, e2.Evaluate(ctx, "a", "x", nil).Allowed)
	require.Equal(t, e1.Evaluate(ctx, "a", "y", nil).Allowed, e2.Evaluate(ctx, "a", "y", nil).Allowed)
}

func TestConditions(t *testing.T) {
	e := New([]types.Policy{
		{
			ID: "p1", Name: "guarded", Roles: []string{"reader"},
			Rules: []types.Rule{
				{
					ToolGlob: "transfer",
					Action:   types.ActionDeny,
					Conditions: []types.Condition{
						{Parameter: "amount", Operator: types.OpIn, Value: []interface{}{"1000", "2000"}},
					},
				},
				{ToolGlob: "*", Action: types.ActionAllow},
			},
		},
	})
	ctx := types.CallerContext{ConsumerID: "c", Roles: []string{"reader"}}

	d := e.Evaluate(ctx, "s", "transfer", map[string]interface{}{"amount": "1000"})
	require.False(t, d.Allowed)

	d = e.Evaluate(ctx, "s", "transfer", map[string]interface{}{"amount": "5"})
	require.True(t, d.Allowed)

	d = e.Evaluate(ctx, "s", "transfer", map[string]interface{}{})
	require.True(t, d.Allowed) // missing param fails the deny condition, falls through to allow
}

func TestGlobMatch(t *testing.T) {
	require.True(t, globMatch("*", "anything"))
	require.True(t, globMatch("", "anything"))
	require.True(t, globMatch("get_*", "get_series"))
	require.False(t, globMatch("get_*", "set_series"))
	require.True(t, globMatch("*_series", "get_series"))
	require.False(t, globMatch("*_series", "get_status"))
	require.True(t, globMatch("exact", "exact"))
	require.False(t, globMatch("exact", "other"))
}
