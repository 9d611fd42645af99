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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"toolgate/shared/types"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: db}, mock
}

func TestPostgresInsertAudit(t *testing.T) {
	p, mock := newMockPostgres(t)
	entry := types.AuditEntry{
		ID: "1", Timestamp: time.Now().UTC(), ConsumerID: "c1", ServerID: "s1",
		Tool: "get_x", Status: types.StatusSuccess, PrevHash: "genesis", Hash: "abc",
	}
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.InsertAudit(context.Background(), entry)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLastHashNoRows(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT hash FROM audit_log").WillReturnRows(sqlmock.NewRows([]string{"hash"}))

	hash, err := p.LastHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, "genesis", hash)
}

func TestPostgresUpsertMeter(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO meter").WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.UpsertMeter(context.Background(), types.MeterKey{ConsumerID: "c1", PeriodKey: "2026-08-06T12"}, types.MeterBucket{Calls: 1})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
