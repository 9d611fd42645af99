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

package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"toolgate/audit"
	"toolgate/auth"
	"toolgate/meter"
	"toolgate/orchestrator"
	"toolgate/policy"
	"toolgate/ratelimit"
	"toolgate/registry"
	"toolgate/shared/types"
	"toolgate/storage"
)

func newTestServer(t *testing.T) *Server {
	dir := t.TempDir()
	store, err := storage.NewEmbedded(filepath.Join(dir, "audit.jsonl"), filepath.Join(dir, "meter.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.New(context.Background(), store)
	require.NoError(t, err)

	reg := registry.New()
	pol := policy.New([]types.Policy{{
		ID: "p1", Roles: []string{"*"},
		Rules: []types.Rule{{Action: types.ActionAllow}},
	}})
	lim := ratelimit.New(100, 2.0)
	m := meter.New(store, 0)
	t.Cleanup(m.Close)

	gw := orchestrator.New(reg, pol, lim, auditLog, m)
	authn := auth.New(auth.ModeNone, auth.NoneVerifier{})
	return New(gw, authn)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCallEndpointNotFound(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(callRequest{Tool: "nosuch"})
	req := httptest.NewRequest("POST", "/v1/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListToolsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/tools", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/audit/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
