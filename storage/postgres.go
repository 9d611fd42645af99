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
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"toolgate/shared/logger"
	"toolgate/shared/types"
)

// Postgres implements Store over a PostgreSQL database, following the
// audit_log / meter table shapes, and connects with retry-with-backoff.
type Postgres struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgres connects to dbURL, retrying with backoff to tolerate a DNS
// or container-startup race, and initializes the schema.
func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	log := logger.New("storage.postgres")

	const maxRetries = 5
	var db *sql.DB
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.PingContext(ctx)
			if err == nil {
				break
			}
		}
		if attempt < maxRetries {
			backoff := time.Duration(attempt*2) * time.Second
			log.Warn("", "", "database connection attempt failed, retrying", map[string]interface{}{
				"attempt": attempt, "max_retries": maxRetries, "backoff": backoff.String(), "error": err.Error(),
			})
			time.Sleep(backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	p := &Postgres{db: db, log: log}
	if err := p.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) Init(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id VARCHAR(64) PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		consumer_id VARCHAR(255) NOT NULL,
		api_key_id VARCHAR(255) NOT NULL,
		server_id VARCHAR(255) NOT NULL,
		tool VARCHAR(255) NOT NULL,
		args TEXT,
		response TEXT,
		latency_ms BIGINT NOT NULL,
		status VARCHAR(20) NOT NULL,
		error TEXT,
		prev_hash VARCHAR(64),
		hash VARCHAR(64) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_log_consumer_id ON audit_log(consumer_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_server_id ON audit_log(server_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_status ON audit_log(status);
	CREATE INDEX IF NOT EXISTS idx_audit_log_tool ON audit_log(tool);

	CREATE TABLE IF NOT EXISTS meter (
		consumer_id VARCHAR(255) NOT NULL,
		server_id VARCHAR(255) NOT NULL,
		tool VARCHAR(255) NOT NULL,
		period_key VARCHAR(16) NOT NULL,
		calls BIGINT NOT NULL DEFAULT 0,
		errors BIGINT NOT NULL DEFAULT 0,
		total_latency_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (consumer_id, server_id, tool, period_key)
	);
	`
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) InsertAudit(ctx context.Context, e types.AuditEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, consumer_id, api_key_id, server_id, tool, args, response, latency_ms, status, error, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.Timestamp, e.ConsumerID, e.CredentialID, e.ServerID, e.Tool, e.Args, e.Response,
		e.LatencyMs, string(e.Status), e.ErrorText, e.PrevHash, e.Hash)
	return err
}

func (p *Postgres) QueryAudit(ctx context.Context, f types.AuditFilter) ([]types.AuditEntry, error) {
	var clauses []string
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ConsumerID != "" {
		add("consumer_id = $%d", f.ConsumerID)
	}
	if f.ServerID != "" {
		add("server_id = $%d", f.ServerID)
	}
	if f.Tool != "" {
		add("tool = $%d", f.Tool)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Since != nil {
		add("timestamp >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("timestamp < $%d", *f.Until)
	}

	query := "SELECT id, timestamp, consumer_id, api_key_id, server_id, tool, args, response, latency_ms, status, error, prev_hash, hash FROM audit_log"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var status string
		var errText, prevHash sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ConsumerID, &e.CredentialID, &e.ServerID, &e.Tool,
			&e.Args, &e.Response, &e.LatencyMs, &status, &errText, &prevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Status = types.AuditStatus(status)
		e.ErrorText = errText.String
		e.PrevHash = prevHash.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) LastHash(ctx context.Context) (string, error) {
	var hash sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "genesis", nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

func (p *Postgres) AllOrdered(ctx context.Context, visit func(types.AuditEntry) error) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, timestamp, consumer_id, api_key_id, server_id, tool, args, response, latency_ms, status, error, prev_hash, hash
		FROM audit_log ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e types.AuditEntry
		var status string
		var errText, prevHash sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ConsumerID, &e.CredentialID, &e.ServerID, &e.Tool,
			&e.Args, &e.Response, &e.LatencyMs, &status, &errText, &prevHash, &e.Hash); err != nil {
			return err
		}
		e.Status = types.AuditStatus(status)
		e.ErrorText = errText.String
		e.PrevHash = prevHash.String
		if err := visit(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (types.AuditStats, error) {
	stats := types.AuditStats{ByStatus: map[types.AuditStatus]int64{}, ByServer: map[string]int64{}}

	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM audit_log GROUP BY status`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[types.AuditStatus(status)] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = p.db.QueryContext(ctx, `SELECT server_id, COUNT(*) FROM audit_log GROUP BY server_id`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var server string
		var count int64
		if err := rows.Scan(&server, &count); err != nil {
			return stats, err
		}
		stats.ByServer[server] = count
	}
	return stats, rows.Err()
}

func (p *Postgres) UpsertMeter(ctx context.Context, key types.MeterKey, bucket types.MeterBucket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO meter (consumer_id, server_id, tool, period_key, calls, errors, total_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (consumer_id, server_id, tool, period_key)
		DO UPDATE SET calls = meter.calls + EXCLUDED.calls,
		              errors = meter.errors + EXCLUDED.errors,
		              total_latency_ms = meter.total_latency_ms + EXCLUDED.total_latency_ms
	`, key.ConsumerID, key.ServerID, key.Tool, key.PeriodKey, bucket.Calls, bucket.Errors, bucket.TotalLatencyMs)
	return err
}

func (p *Postgres) QueryMeter(ctx context.Context, consumerID string) ([]types.MeterBucket, error) {
	query := `SELECT calls, errors, total_latency_ms FROM meter`
	var args []interface{}
	if consumerID != "" {
		query += ` WHERE consumer_id = $1`
		args = append(args, consumerID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MeterBucket
	for rows.Next() {
		var b types.MeterBucket
		if err := rows.Scan(&b.Calls, &b.Errors, &b.TotalLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
