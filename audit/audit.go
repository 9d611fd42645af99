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

// Package audit implements the tamper-evident, hash-chained audit log:
// append, indexed query, integrity verification, and best-effort webhook
// fan-out.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolgate/gatewayerr"
	"toolgate/shared/logger"
	"toolgate/shared/types"
	"toolgate/storage"
)

const genesis = "genesis"

// Log is the durable, hash-chained audit log. Writes are serialized by a
// single mutex so prev-hash -> hash forms a total order even under
// concurrent callers.
type Log struct {
	mu         sync.Mutex
	store      storage.Store
	chainOn    bool
	lastHash   string
	webhookURL string
	client     *http.Client
	log        *logger.Logger
}

// Option configures a Log at construction time.
type Option func(*Log)

// WithWebhook configures a fire-and-forget JSON POST on every write.
func WithWebhook(url string) Option {
	return func(l *Log) { l.webhookURL = url }
}

// WithChainDisabled turns off prev-hash linkage; entries are still
// written and hashed, but prev-hash is left empty.
func WithChainDisabled() Option {
	return func(l *Log) { l.chainOn = false }
}

// New opens a Log over store, recovering lastHash from the last
// persisted row (or "genesis" if the store is empty).
func New(ctx context.Context, store storage.Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:   store,
		chainOn: true,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     logger.New("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}

	last, err := store.LastHash(ctx)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Storage, "audit.New", "failed to recover chain head", err)
	}
	l.lastHash = last
	return l, nil
}

// Record assigns an id and timestamp to partial, links it to the chain,
// computes its hash, and persists it. Storage failures are returned, not
// swallowed; webhook delivery is best-effort and never fails the call.
func (l *Log) Record(ctx context.Context, partial types.AuditEntry) (types.AuditEntry, error) {
	entry := partial
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now().UTC()
	if len(entry.Response) > types.MaxResponseBytes {
		entry.Response = entry.Response[:types.MaxResponseBytes]
	}

	l.mu.Lock()
	if l.chainOn {
		entry.PrevHash = l.lastHash
	}
	entry.Hash = computeHash(entry)

	if err := l.store.InsertAudit(ctx, entry); err != nil {
		l.mu.Unlock()
		return entry, gatewayerr.New(gatewayerr.Storage, "audit.Record", "failed to persist audit entry", err)
	}
	l.lastHash = entry.Hash
	l.mu.Unlock()

	if l.webhookURL != "" {
		go l.postWebhook(entry)
	}
	return entry, nil
}

func (l *Log) postWebhook(entry types.AuditEntry) {
	body, err := entryJSON(entry)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Warn("", "", "audit webhook delivery failed", map[string]interface{}{"error": err.Error()})
		return
	}
	resp.Body.Close()
}

// Query delegates to the storage layer's indexed lookup.
func (l *Log) Query(ctx context.Context, filter types.AuditFilter) ([]types.AuditEntry, error) {
	rows, err := l.store.QueryAudit(ctx, filter)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.Storage, "audit.Query", "query failed", err)
	}
	return rows, nil
}

// Stats returns the store's aggregate counters.
func (l *Log) Stats(ctx context.Context) (types.AuditStats, error) {
	stats, err := l.store.Stats(ctx)
	if err != nil {
		return stats, gatewayerr.New(gatewayerr.Storage, "audit.Stats", "stats query failed", err)
	}
	return stats, nil
}

// Verify walks every row in insertion order, checking both that
// prev-hash links to the previous row's hash and that the row's own
// hash recomputes correctly. It reports the first broken row, streaming
// rather than materializing the whole table.
func (l *Log) Verify(ctx context.Context) (types.VerifyResult, error) {
	expectedPrev := genesis
	result := types.VerifyResult{Valid: true}

	err := l.store.AllOrdered(ctx, func(entry types.AuditEntry) error {
		if l.chainOn && entry.PrevHash != expectedPrev {
			result.Valid = false
			result.BrokenAt = entry.ID
			return errStop
		}
		if computeHash(entry) != entry.Hash {
			result.Valid = false
			result.BrokenAt = entry.ID
			return errStop
		}
		expectedPrev = entry.Hash
		return nil
	})
	if err != nil && err != errStop {
		return result, gatewayerr.New(gatewayerr.Storage, "audit.Verify", "failed to walk audit log", err)
	}
	return result, nil
}

var errStop = fmt.Errorf("audit: verification stopped at first break")

func entryJSON(e types.AuditEntry) ([]byte, error) {
	return json.Marshal(e)
}

// computeHash implements the canonical composition:
// SHA-256 hex of id|timestamp|consumer-id|server-id|tool|status|prev-hash.
func computeHash(e types.AuditEntry) string {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s", e.ID, ts, e.ConsumerID, e.ServerID, e.Tool, string(e.Status), e.PrevHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
