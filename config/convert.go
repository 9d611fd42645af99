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
	"time"

	"toolgate/shared/types"
)

// Backends converts the configured server list into registry
// descriptors, defaulting Enabled to true when unset.
func (c *Config) Backends() []types.BackendDescriptor {
	out := make([]types.BackendDescriptor, 0, len(c.Servers))
	for _, s := range c.Servers {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		timeout := s.CallTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		out = append(out, types.BackendDescriptor{
			ID:          s.ID,
			DisplayName: s.DisplayName,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Tags:        s.Tags,
			Enabled:     enabled,
			CallTimeout: timeout,
			HealthCheck: s.HealthCheck,
		})
	}
	return out
}

// Credentials converts the configured pre-shared table into domain
// records, defaulting Enabled to true when unset.
func (c *Config) Credentials() []types.CredentialRecord {
	out := make([]types.CredentialRecord, 0, len(c.Auth.Credentials))
	for _, cred := range c.Auth.Credentials {
		enabled := true
		if cred.Enabled != nil {
			enabled = *cred.Enabled
		}
		out = append(out, types.CredentialRecord{
			ID:           cred.ID,
			Credential:   cred.Key,
			DisplayName:  cred.DisplayName,
			ConsumerID:   cred.ConsumerID,
			Roles:        cred.Roles,
			RateOverride: cred.RateOverride,
			ExpiresAt:    cred.ExpiresAt,
			Enabled:      enabled,
		})
	}
	return out
}

// DomainPolicies converts the configured policy list (with its rules
// and conditions) into domain policies ready for the policy engine.
func (c *Config) DomainPolicies() []types.Policy {
	out := make([]types.Policy, 0, len(c.Policies))
	for _, p := range c.Policies {
		rules := make([]types.Rule, 0, len(p.Rules))
		for _, r := range p.Rules {
			conditions := make([]types.Condition, 0, len(r.Conditions))
			for _, cond := range r.Conditions {
				conditions = append(conditions, types.Condition{
					Parameter: cond.Parameter,
					Operator:  types.ConditionOperator(cond.Operator),
					Value:     cond.Value,
				})
			}
			action := types.ActionAllow
			if r.Action == string(types.ActionDeny) {
				action = types.ActionDeny
			}
			rules = append(rules, types.Rule{
				ServerGlob: r.Server,
				ToolGlob:   r.Tool,
				Action:     action,
				Conditions: conditions,
			})
		}
		out = append(out, types.Policy{
			ID:    p.ID,
			Name:  p.Name,
			Roles: p.Roles,
			Rules: rules,
		})
	}
	return out
}
