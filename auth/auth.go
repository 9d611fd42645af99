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

// Package auth resolves an inbound credential into a caller context.
// Four credential modes share one capability: verify(token) -> context
// or nil. Verification is a pure lookup and signature check; it never
// I/O-faults the pipeline.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"toolgate/shared/types"
)

// Mode is the configured credential kind for one authenticator.
type Mode string

const (
	ModeNone                  Mode = "none"
	ModePreShared             Mode = "pre-shared"
	ModeSignedToken           Mode = "signed-token"
	ModeDiscoverySignedToken  Mode = "discovery-signed-token"
)

// Verifier is the single capability every credential mode satisfies.
// A nil, nil-error return means the token did not resolve to a caller;
// the distinction between "missing" and "rejected" is not surfaced here
// because the gateway never writes an audit entry for either (no
// caller identity to attribute it to).
type Verifier interface {
	Verify(ctx context.Context, token string) (*types.CallerContext, error)
}

// NoneVerifier always yields the anonymous caller.
type NoneVerifier struct{}

func (NoneVerifier) Verify(ctx context.Context, token string) (*types.CallerContext, error) {
	return &types.CallerContext{ConsumerID: "anonymous", CredentialID: "none", Roles: []string{"*"}}, nil
}

// PreSharedVerifier looks up credentials by their raw value or SHA-256
// hex digest, so configuration may store either form.
type PreSharedVerifier struct {
	mu          sync.RWMutex
	byRaw       map[string]types.CredentialRecord
	byHash      map[string]types.CredentialRecord
	now         func() time.Time
}

// NewPreSharedVerifier indexes records by both their raw credential and
// its SHA-256 hex digest.
func NewPreSharedVerifier(records []types.CredentialRecord) *PreSharedVerifier {
	v := &PreSharedVerifier{now: time.Now}
	v.Reload(records)
	return v
}

// Reload atomically replaces the credential table. Call under a
// configuration-reload hook; readers never observe a half-built index.
func (v *PreSharedVerifier) Reload(records []types.CredentialRecord) {
	byRaw := make(map[string]types.CredentialRecord, len(records))
	byHash := make(map[string]types.CredentialRecord, len(records))
	for _, r := range records {
		byRaw[r.Credential] = r
		byHash[hashHex(r.Credential)] = r
	}
	v.mu.Lock()
	v.byRaw = byRaw
	v.byHash = byHash
	v.mu.Unlock()
}

func (v *PreSharedVerifier) Verify(ctx context.Context, token string) (*types.CallerContext, error) {
	v.mu.RLock()
	rec, ok := v.byRaw[token]
	if !ok {
		rec, ok = v.byHash[token]
	}
	v.mu.RUnlock()
	if !ok || !rec.Enabled {
		return nil, nil
	}
	if rec.Expired(v.now()) {
		return nil, nil
	}
	return &types.CallerContext{
		ConsumerID:   rec.ConsumerID,
		CredentialID: rec.ID,
		Roles:        rec.Roles,
		RateOverride: rec.RateOverride,
	}, nil
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SignedTokenVerifier validates a JWT against a preconfigured shared
// secret, enforcing issuer/audience when configured.
type SignedTokenVerifier struct {
	secret       []byte
	issuer       string
	audience     string
	subjectClaim string
	rolesClaim   string
}

// SignedTokenOptions configures a SignedTokenVerifier; zero values take
// the spec's defaults (subject claim "sub", roles claim "roles").
type SignedTokenOptions struct {
	Secret       []byte
	Issuer       string
	Audience     string
	SubjectClaim string
	RolesClaim   string
}

func NewSignedTokenVerifier(opts SignedTokenOptions) *SignedTokenVerifier {
	subjectClaim := opts.SubjectClaim
	if subjectClaim == "" {
		subjectClaim = "sub"
	}
	rolesClaim := opts.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "roles"
	}
	return &SignedTokenVerifier{
		secret:       opts.Secret,
		issuer:       opts.Issuer,
		audience:     opts.Audience,
		subjectClaim: subjectClaim,
		rolesClaim:   rolesClaim,
	}
}

func (v *SignedTokenVerifier) Verify(ctx context.Context, token string) (*types.CallerContext, error) {
	claims, err := v.parse(token, v.secret)
	if err != nil {
		return nil, nil // bad signature, expired, malformed: reject, not an error
	}
	return v.contextFromClaims(claims)
}

func (v *SignedTokenVerifier) parse(tokenString string, key []byte) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

func (v *SignedTokenVerifier) contextFromClaims(claims jwt.MapClaims) (*types.CallerContext, error) {
	if v.issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != v.issuer {
			return nil, nil
		}
	}
	if v.audience != "" {
		if !audienceMatches(claims["aud"], v.audience) {
			return nil, nil
		}
	}

	consumerID, _ := claims[v.subjectClaim].(string)
	if consumerID == "" {
		return nil, nil
	}
	roles := rolesFromClaim(claims[v.rolesClaim])
	email, _ := claims["email"].(string)

	return &types.CallerContext{
		ConsumerID: consumerID,
		Roles:      roles,
		Email:      email,
	}, nil
}

func audienceMatches(aud interface{}, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// rolesFromClaim accepts either a scalar comma-separated string or a
// JSON array of strings, matching how both the pre-shared and JWT
// credential shapes show up in the wild.
func rolesFromClaim(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return strings.Split(val, ",")
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// EmailDomainAllowed reports whether email's domain is in allowed, or
// allowed is empty (no restriction configured).
func EmailDomainAllowed(email string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, a := range allowed {
		if strings.ToLower(a) == domain {
			return true
		}
	}
	return false
}

// Authenticator dispatches to the configured mode's Verifier.
type Authenticator struct {
	mode     Mode
	verifier Verifier
}

func New(mode Mode, verifier Verifier) *Authenticator {
	return &Authenticator{mode: mode, verifier: verifier}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (*types.CallerContext, error) {
	return a.verifier.Verify(ctx, token)
}
