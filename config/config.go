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

// Package config loads and validates the gateway's single YAML
// configuration document: auth, servers, policies, audit, metering,
// rateLimit, and the optional listener address.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CredentialConfig is one entry of the pre-shared credential table.
type CredentialConfig struct {
	ID           string   `yaml:"id"`
	Key          string   `yaml:"key"`
	DisplayName  string   `yaml:"displayName"`
	ConsumerID   string   `yaml:"consumerId"`
	Roles        []string `yaml:"roles"`
	RateOverride *int     `yaml:"rateOverride"`
	ExpiresAt    *time.Time `yaml:"expiresAt"`
	Enabled      *bool    `yaml:"enabled"`
}

// AuthConfig selects and configures one of the four credential modes.
type AuthConfig struct {
	Mode            string             `yaml:"mode"`
	Credentials     []CredentialConfig `yaml:"credentials"`
	Secret          string             `yaml:"secret"`
	Issuer          string             `yaml:"issuer"`
	Audience        string             `yaml:"audience"`
	SubjectClaim    string             `yaml:"subjectClaim"`
	RolesClaim      string             `yaml:"rolesClaim"`
	DiscoveryURL    string             `yaml:"discoveryUrl"`
	AllowedDomains  []string           `yaml:"allowedDomains"`
}

// ServerConfig is one backend descriptor as configured.
type ServerConfig struct {
	ID             string            `yaml:"id"`
	DisplayName    string            `yaml:"displayName"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Tags           []string          `yaml:"tags"`
	Enabled        *bool             `yaml:"enabled"`
	CallTimeout    time.Duration     `yaml:"callTimeout"`
	HealthCheck    bool              `yaml:"healthCheck"`
}

// ConditionConfig mirrors types.Condition.
type ConditionConfig struct {
	Parameter string      `yaml:"parameter"`
	Operator  string      `yaml:"operator"`
	Value     interface{} `yaml:"value"`
}

// RuleConfig mirrors types.Rule.
type RuleConfig struct {
	Server     string            `yaml:"server"`
	Tool       string            `yaml:"tool"`
	Action     string            `yaml:"action"`
	Conditions []ConditionConfig `yaml:"conditions"`
}

// PolicyConfig mirrors types.Policy.
type PolicyConfig struct {
	ID    string       `yaml:"id"`
	Name  string       `yaml:"name"`
	Roles []string     `yaml:"roles"`
	Rules []RuleConfig `yaml:"rules"`
}

// AuditConfig configures the audit log's storage backend and options.
type AuditConfig struct {
	Driver        string `yaml:"driver"` // "embedded" or "postgres"
	DSN           string `yaml:"dsn"`
	Path          string `yaml:"path"` // embedded: audit JSONL path
	MeterPath     string `yaml:"meterPath"`
	WebhookURL    string `yaml:"webhookUrl"`
	ChainDisabled bool   `yaml:"chainDisabled"`
}

// MeteringConfig configures the usage meter.
type MeteringConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// RateLimitConfig configures the default admission parameters.
type RateLimitConfig struct {
	DefaultPerMinute int     `yaml:"defaultPerMinute"`
	BurstMultiplier  float64 `yaml:"burstMultiplier"`
	Driver           string  `yaml:"driver"` // "memory" or "redis"
	RedisAddr        string  `yaml:"redisAddr"`
}

// Config is the root document.
type Config struct {
	Port      int             `yaml:"port"`
	Host      string          `yaml:"host"`
	Auth      AuthConfig      `yaml:"auth"`
	Servers   []ServerConfig  `yaml:"servers"`
	Policies  []PolicyConfig  `yaml:"policies"`
	Audit     AuditConfig     `yaml:"audit"`
	Metering  MeteringConfig  `yaml:"metering"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// Load reads and parses the document at path. It does not validate;
// call Validate separately so callers can decide how to report errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the structural rules the spec requires: missing auth,
// zero policies, missing audit, duplicate server or policy ids, missing
// command on a server, missing id/key/consumer-id on a pre-shared
// credential.
func (c *Config) Validate() error {
	if c.Auth.Mode == "" {
		return fmt.Errorf("config: auth is required")
	}
	if len(c.Policies) == 0 {
		return fmt.Errorf("config: at least one policy is required")
	}
	if c.Audit.Driver == "" {
		return fmt.Errorf("config: audit is required")
	}

	seenServers := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seenServers[s.ID] {
			return fmt.Errorf("config: duplicate server id %q", s.ID)
		}
		seenServers[s.ID] = true
		if s.Command == "" {
			return fmt.Errorf("config: server %q is missing command", s.ID)
		}
	}

	seenPolicies := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if seenPolicies[p.ID] {
			return fmt.Errorf("config: duplicate policy id %q", p.ID)
		}
		seenPolicies[p.ID] = true
	}

	if c.Auth.Mode == "pre-shared" {
		for i, cred := range c.Auth.Credentials {
			if cred.ID == "" {
				return fmt.Errorf("config: pre-shared credential[%d] is missing id", i)
			}
			if cred.Key == "" {
				return fmt.Errorf("config: pre-shared credential %q is missing key", cred.ID)
			}
			if cred.ConsumerID == "" {
				return fmt.Errorf("config: pre-shared credential %q is missing consumer-id", cred.ID)
			}
		}
	}

	return nil
}
