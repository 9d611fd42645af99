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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalValid = `
auth:
  mode: none
policies:
  - id: p1
    roles: ["*"]
    rules:
      - action: allow
audit:
  driver: embedded
  path: /tmp/audit.jsonl
`

func TestLoadAndValidateMinimal(t *testing.T) {
	path := writeConfig(t, minimalValid)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidateMissingAuth(t *testing.T) {
	cfg := &Config{Policies: []PolicyConfig{{ID: "p1"}}, Audit: AuditConfig{Driver: "embedded"}}
	require.Error(t, cfg.Validate())
}

func TestValidateZeroPolicies(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Mode: "none"}, Audit: AuditConfig{Driver: "embedded"}}
	require.Error(t, cfg.Validate())
}

func TestValidateMissingAudit(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Mode: "none"}, Policies: []PolicyConfig{{ID: "p1"}}}
	require.Error(t, cfg.Validate())
}

func TestValidateDuplicateServerID(t *testing.T) {
	cfg := &Config{
		Auth:     AuthConfig{Mode: "none"},
		Policies: []PolicyConfig{{ID: "p1"}},
		Audit:    AuditConfig{Driver: "embedded"},
		Servers: []ServerConfig{
			{ID: "s1", Command: "cmd"},
			{ID: "s1", Command: "cmd2"},
		},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateDuplicatePolicyID(t *testing.T) {
	cfg := &Config{
		Auth:     AuthConfig{Mode: "none"},
		Policies: []PolicyConfig{{ID: "p1"}, {ID: "p1"}},
		Audit:    AuditConfig{Driver: "embedded"},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateServerMissingCommand(t *testing.T) {
	cfg := &Config{
		Auth:     AuthConfig{Mode: "none"},
		Policies: []PolicyConfig{{ID: "p1"}},
		Audit:    AuditConfig{Driver: "embedded"},
		Servers:  []ServerConfig{{ID: "s1"}},
	}
	require.Error(t, cfg.Validate())
}

func TestValidatePreSharedMissingFields(t *testing.T) {
	cfg := &Config{
		Auth: AuthConfig{
			Mode:        "pre-shared",
			Credentials: []CredentialConfig{{ID: "cred1"}},
		},
		Policies: []PolicyConfig{{ID: "p1"}},
		Audit:    AuditConfig{Driver: "embedded"},
	}
	require.Error(t, cfg.Validate())
}

func TestDomainPoliciesConvertsRulesAndConditions(t *testing.T) {
	cfg := &Config{
		Policies: []PolicyConfig{{
			ID: "p1", Roles: []string{"reader"},
			Rules: []RuleConfig{
				{Tool: "get_*", Action: "allow"},
				{Tool: "*", Action: "deny", Conditions: []ConditionConfig{
					{Parameter: "env", Operator: "eq", Value: "prod"},
				}},
			},
		}},
	}
	policies := cfg.DomainPolicies()
	require.Len(t, policies, 1)
	require.Len(t, policies[0].Rules, 2)
	require.Len(t, policies[0].Rules[1].Conditions, 1)
}
