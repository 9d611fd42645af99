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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolgate/shared/types"
)

func newTestEmbedded(t *testing.T) *Embedded {
	dir := t.TempDir()
	e, err := NewEmbedded(filepath.Join(dir, "audit.jsonl"), filepath.Join(dir, "meter.json"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEmbeddedInsertAndQuery(t *testing.T) {
	e := newTestEmbedded(t)
	ctx := context.Background()

	entry := types.AuditEntry{
		ID: "1", Timestamp: time.Now().UTC(), ConsumerID: "c1", ServerID: "s1",
		Tool: "get_x", Status: types.StatusSuccess, PrevHash: "genesis", Hash: "abc",
	}
	require.NoError(t, e.InsertAudit(ctx, entry))

	rows, err := e.QueryAudit(ctx, types.AuditFilter{ConsumerID: "c1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "1", rows[0].ID)
}

func TestEmbeddedLastHashGenesis(t *testing.T) {
	e := newTestEmbedded(t)
	hash, err := e.LastHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, "genesis", hash)
}

func TestEmbeddedPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")
	meterPath := filepath.Join(dir, "meter.json")

	e1, err := NewEmbedded(auditPath, meterPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e1.InsertAudit(ctx, types.AuditEntry{ID: "1", Timestamp: time.Now().UTC(), Hash: "h1", PrevHash: "genesis"}))
	require.NoError(t, e1.UpsertMeter(ctx, types.MeterKey{ConsumerID: "c1", PeriodKey: "p"}, types.MeterBucket{Calls: 5}))
	require.NoError(t, e1.Close())

	e2, err := NewEmbedded(auditPath, meterPath)
	require.NoError(t, err)
	defer e2.Close()

	hash, err := e2.LastHash(ctx)
	require.NoError(t, err)
	require.Equal(t, "h1", hash)

	buckets, err := e2.QueryMeter(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, int64(5), buckets[0].Calls)
}

func TestEmbeddedStats(t *testing.T) {
	e := newTestEmbedded(t)
	ctx := context.Background()
	e.InsertAudit(ctx, types.AuditEntry{ID: "1", ServerID: "s1", Status: types.StatusSuccess, Hash: "h1", PrevHash: "genesis"})
	e.InsertAudit(ctx, types.AuditEntry{ID: "2", ServerID: "s1", Status: types.StatusDenied, Hash: "h2", PrevHash: "h1"})

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.ByStatus[types.StatusSuccess])
	require.Equal(t, int64(2), stats.ByServer["s1"])
}
