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

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"toolgate/shared/types"
)

const jwksCacheTTL = time.Hour

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwksCacheEntry struct {
	fetchedAt time.Time
	keys      map[string]*rsaPublicKey
}

type rsaPublicKey struct {
	n *big.Int
	e int
}

// DiscoveryVerifier resolves the signing key per-token by its `kid`
// header against a JWKS document fetched over HTTPS and cached
// in-process for one hour, keyed by the discovery URL.
type DiscoveryVerifier struct {
	SignedTokenVerifier
	discoveryURL    string
	allowedDomains  []string
	client          *http.Client

	mu    sync.Mutex
	cache map[string]jwksCacheEntry
}

// DiscoveryOptions configures a DiscoveryVerifier. DiscoveryURL is
// either explicit or derived by the caller from an issuer URL before
// construction (standard suffix ".well-known/jwks.json").
type DiscoveryOptions struct {
	SignedTokenOptions
	DiscoveryURL   string
	AllowedDomains []string
}

func NewDiscoveryVerifier(opts DiscoveryOptions) *DiscoveryVerifier {
	return &DiscoveryVerifier{
		SignedTokenVerifier: *NewSignedTokenVerifier(opts.SignedTokenOptions),
		discoveryURL:        opts.DiscoveryURL,
		allowedDomains:      opts.AllowedDomains,
		client:              &http.Client{Timeout: 10 * time.Second},
		cache:               make(map[string]jwksCacheEntry),
	}
}

func (v *DiscoveryVerifier) Verify(ctx context.Context, token string) (*types.CallerContext, error) {
	kid, err := keyID(token)
	if err != nil {
		return nil, nil
	}

	keys, err := v.keysFor(ctx, v.discoveryURL)
	if err != nil {
		return nil, nil // discovery fetch failure: reject, fail closed
	}
	key, ok := keys[kid]
	if !ok {
		return nil, nil
	}

	claims, err := v.parseWithRSAKey(token, key)
	if err != nil {
		return nil, nil
	}

	callerCtx, err := v.contextFromClaims(claims)
	if err != nil || callerCtx == nil {
		return nil, nil
	}
	if !EmailDomainAllowed(callerCtx.Email, v.allowedDomains) {
		return nil, nil
	}
	return callerCtx, nil
}

func keyID(tokenString string) (string, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("malformed token")
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	var header struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", err
	}
	return header.Kid, nil
}

func (v *DiscoveryVerifier) keysFor(ctx context.Context, url string) (map[string]*rsaPublicKey, error) {
	v.mu.Lock()
	entry, ok := v.cache[url]
	v.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < jwksCacheTTL {
		return entry.keys, nil
	}

	keys, err := v.fetchJWKS(ctx, url)
	if err != nil {
		if ok {
			return entry.keys, nil // stale cache beats a hard failure
		}
		return nil, err
	}

	v.mu.Lock()
	v.cache[url] = jwksCacheEntry{fetchedAt: time.Now(), keys: keys}
	v.mu.Unlock()
	return keys, nil
}

func (v *DiscoveryVerifier) fetchJWKS(ctx context.Context, url string) (map[string]*rsaPublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}

	out := make(map[string]*rsaPublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pk, err := decodeRSAJWK(k)
		if err != nil {
			continue
		}
		out[k.Kid] = pk
	}
	return out, nil
}

func decodeRSAJWK(k jwk) (*rsaPublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsaPublicKey{n: new(big.Int).SetBytes(nBytes), e: e}, nil
}

func (v *DiscoveryVerifier) parseWithRSAKey(tokenString string, key *rsaPublicKey) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return toRSAPublicKey(key), nil
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

func toRSAPublicKey(k *rsaPublicKey) *rsa.PublicKey {
	return &rsa.PublicKey{N: k.n, E: k.e}
}
