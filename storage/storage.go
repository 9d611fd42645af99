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

// Package storage defines the single persistence capability surface the
// audit log and meter depend on, and provides two implementations: a
// PostgreSQL-backed store for networked deployments and an embedded
// in-process store for single-node or test deployments. The orchestrator
// never depends on which one is wired in.
package storage

import (
	"context"

	"toolgate/shared/types"
)

// Store is the uniform persistence interface over an embedded or
// networked relational store, per the gateway's storage abstraction.
type Store interface {
	Init(ctx context.Context) error
	InsertAudit(ctx context.Context, entry types.AuditEntry) error
	QueryAudit(ctx context.Context, filter types.AuditFilter) ([]types.AuditEntry, error)
	LastHash(ctx context.Context) (string, error)
	AllOrdered(ctx context.Context, visit func(types.AuditEntry) error) error
	Stats(ctx context.Context) (types.AuditStats, error)
	UpsertMeter(ctx context.Context, key types.MeterKey, bucket types.MeterBucket) error
	QueryMeter(ctx context.Context, consumerID string) ([]types.MeterBucket, error)
	Close() error
}
