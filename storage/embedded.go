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

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"toolgate/shared/types"
)

// Embedded is a single-node Store that keeps the audit log as a
// newline-delimited JSON file (append-only, matching the audit log's own
// append-only contract) and the meter table as an in-memory map snapshot
// written to a sibling file on Close.
//
// No embedded relational or KV database library appears anywhere in this
// gateway's dependency stack; this implementation uses only
// encoding/json and os, matching the degree of the rest of the ambient
// stack that is not otherwise grounded in a third-party library (see the
// grounding ledger for the explicit justification).
type Embedded struct {
	mu        sync.Mutex
	auditPath string
	meterPath string
	auditFile *os.File
	entries   []types.AuditEntry
	meter     map[types.MeterKey]types.MeterBucket
}

// NewEmbedded opens (or creates) the audit and meter files at the given
// paths and loads any existing rows into memory.
func NewEmbedded(auditPath, meterPath string) (*Embedded, error) {
	e := &Embedded{
		auditPath: auditPath,
		meterPath: meterPath,
		meter:     make(map[types.MeterKey]types.MeterBucket),
	}
	if err := e.Init(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Embedded) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.OpenFile(e.auditPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	e.auditFile = f

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry types.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		e.entries = append(e.entries, entry)
	}
	if _, err := f.Seek(0, 2); err != nil {
		return err
	}

	if e.meterPath != "" {
		if b, err := os.ReadFile(e.meterPath); err == nil {
			var snapshot []meterRow
			if json.Unmarshal(b, &snapshot) == nil {
				for _, row := range snapshot {
					e.meter[row.Key] = row.Bucket
				}
			}
		}
	}
	return nil
}

type meterRow struct {
	Key    types.MeterKey    `json:"key"`
	Bucket types.MeterBucket `json:"bucket"`
}

func (e *Embedded) InsertAudit(ctx context.Context, entry types.AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.auditFile.Write(append(b, '\n')); err != nil {
		return err
	}
	e.entries = append(e.entries, entry)
	return nil
}

func (e *Embedded) QueryAudit(ctx context.Context, f types.AuditFilter) ([]types.AuditEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []types.AuditEntry
	for i := len(e.entries) - 1; i >= 0; i-- {
		entry := e.entries[i]
		if f.ConsumerID != "" && entry.ConsumerID != f.ConsumerID {
			continue
		}
		if f.ServerID != "" && entry.ServerID != f.ServerID {
			continue
		}
		if f.Tool != "" && entry.Tool != f.Tool {
			continue
		}
		if f.Status != "" && entry.Status != f.Status {
			continue
		}
		if f.Since != nil && entry.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !entry.Timestamp.Before(*f.Until) {
			continue
		}
		matched = append(matched, entry)
	}

	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], nil
}

func (e *Embedded) LastHash(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.entries) == 0 {
		return "genesis", nil
	}
	return e.entries[len(e.entries)-1].Hash, nil
}

func (e *Embedded) AllOrdered(ctx context.Context, visit func(types.AuditEntry) error) error {
	e.mu.Lock()
	snapshot := make([]types.AuditEntry, len(e.entries))
	copy(snapshot, e.entries)
	e.mu.Unlock()

	for _, entry := range snapshot {
		if err := visit(entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Embedded) Stats(ctx context.Context) (types.AuditStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := types.AuditStats{ByStatus: map[types.AuditStatus]int64{}, ByServer: map[string]int64{}}
	for _, entry := range e.entries {
		stats.Total++
		stats.ByStatus[entry.Status]++
		stats.ByServer[entry.ServerID]++
	}
	return stats, nil
}

func (e *Embedded) UpsertMeter(ctx context.Context, key types.MeterKey, bucket types.MeterBucket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	existing := e.meter[key]
	existing.Calls += bucket.Calls
	existing.Errors += bucket.Errors
	existing.TotalLatencyMs += bucket.TotalLatencyMs
	e.meter[key] = existing
	return nil
}

func (e *Embedded) QueryMeter(ctx context.Context, consumerID string) ([]types.MeterBucket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.MeterBucket
	for key, b := range e.meter {
		if consumerID != "" && key.ConsumerID != consumerID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Close flushes the meter snapshot to disk and closes the audit file.
func (e *Embedded) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.meterPath != "" {
		rows := make([]meterRow, 0, len(e.meter))
		for k, b := range e.meter {
			rows = append(rows, meterRow{Key: k, Bucket: b})
		}
		if b, err := json.Marshal(rows); err == nil {
			_ = os.WriteFile(e.meterPath, b, 0o600)
		}
	}
	if e.auditFile != nil {
		return e.auditFile.Close()
	}
	return nil
}
