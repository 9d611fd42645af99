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

// Package meter implements in-memory usage aggregation over UTC-hour
// buckets with a durable rollup on period rollover and on a periodic
// flush tick.
package meter

import (
	"context"
	"sync"
	"time"

	"toolgate/shared/logger"
	"toolgate/shared/types"
)

// RollupStore is the durable sink a Meter flushes buckets into. The
// storage package's implementations (Postgres, embedded) satisfy it.
type RollupStore interface {
	UpsertMeter(ctx context.Context, key types.MeterKey, bucket types.MeterBucket) error
}

// Meter is the capability the orchestrator records every call against.
type Meter interface {
	Record(consumerID, serverID, tool string, latencyMs int64, isError bool)
	GetSummary(consumerID string) types.MeterSummary
	Close()
}

// InMemory is the default Meter: one map of buckets keyed by
// (consumer, server, tool, period), flushed to RollupStore on rollover
// and on a periodic tick.
type InMemory struct {
	mu            sync.Mutex
	buckets       map[types.MeterKey]*types.MeterBucket
	flushed       map[types.MeterKey]types.MeterBucket
	currentPeriod string
	store         RollupStore
	log           *logger.Logger
	now           func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates an InMemory meter flushing to store every flushInterval.
func New(store RollupStore, flushInterval time.Duration) *InMemory {
	m := &InMemory{
		buckets: make(map[types.MeterKey]*types.MeterBucket),
		flushed: make(map[types.MeterKey]types.MeterBucket),
		store:   store,
		log:     logger.New("meter"),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.currentPeriod = periodKey(m.now())
	if flushInterval <= 0 {
		flushInterval = 60 * time.Second
	}
	go m.flushLoop(flushInterval)
	return m
}

func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// Record increments the bucket for (consumerID, serverID, tool) in the
// current period, rolling the map over to a durable rollup first if the
// period boundary has passed.
func (m *InMemory) Record(consumerID, serverID, tool string, latencyMs int64, isError bool) {
	now := m.now()
	pk := periodKey(now)

	m.mu.Lock()
	if pk != m.currentPeriod {
		m.flushLocked()
		m.currentPeriod = pk
	}
	key := types.MeterKey{ConsumerID: consumerID, ServerID: serverID, Tool: tool, PeriodKey: pk}
	b, ok := m.buckets[key]
	if !ok {
		b = &types.MeterBucket{}
		m.buckets[key] = b
	}
	b.Calls++
	if isError {
		b.Errors++
	}
	b.TotalLatencyMs += latencyMs
	m.mu.Unlock()
}

// flushLocked upserts the delta since the last flush for every bucket,
// then clears the in-memory map and the flushed-so-far tracking for the
// period that just ended. Caller must hold m.mu.
func (m *InMemory) flushLocked() {
	if m.store != nil {
		m.upsertDeltasLocked()
	}
	m.buckets = make(map[types.MeterKey]*types.MeterBucket)
	m.flushed = make(map[types.MeterKey]types.MeterBucket)
}

// flush upserts the delta since the last flush without resetting the
// running totals, used by the periodic tick so readers see durable data
// without losing in-memory increments between ticks. UpsertMeter is
// additive, so sending the same cumulative total on every tick would
// double-count; only the increment since the previous flush is sent.
func (m *InMemory) flush() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertDeltasLocked()
}

// upsertDeltasLocked computes, for every bucket, the portion not yet
// persisted (current total minus what was sent on the last flush),
// upserts that delta, and records the new cumulative total as flushed.
// Caller must hold m.mu.
func (m *InMemory) upsertDeltasLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for key, b := range m.buckets {
		prior := m.flushed[key]
		delta := types.MeterBucket{
			Calls:          b.Calls - prior.Calls,
			Errors:         b.Errors - prior.Errors,
			TotalLatencyMs: b.TotalLatencyMs - prior.TotalLatencyMs,
		}
		if delta.Calls == 0 && delta.Errors == 0 && delta.TotalLatencyMs == 0 {
			continue
		}
		if err := m.store.UpsertMeter(ctx, key, delta); err != nil {
			m.log.ErrorWithErr("", "", "failed to flush meter bucket", err, map[string]interface{}{
				"consumer_id": key.ConsumerID, "server_id": key.ServerID, "tool": key.Tool,
			})
			continue
		}
		m.flushed[key] = *b
	}
}

func (m *InMemory) flushLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

// GetSummary aggregates the in-memory buckets, optionally filtered to
// one consumer. Average latency is integer division: sum / count,
// remainder discarded.
func (m *InMemory) GetSummary(consumerID string) types.MeterSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := types.MeterSummary{
		ByServer: make(map[string]int64),
		ByTool:   make(map[string]int64),
	}
	var totalLatency int64
	for key, b := range m.buckets {
		if consumerID != "" && key.ConsumerID != consumerID {
			continue
		}
		summary.TotalCalls += b.Calls
		summary.TotalErrors += b.Errors
		totalLatency += b.TotalLatencyMs
		summary.ByServer[key.ServerID] += b.Calls
		summary.ByTool[key.Tool] += b.Calls
	}
	if summary.TotalCalls > 0 {
		summary.AvgLatencyMs = totalLatency / summary.TotalCalls
	}
	return summary
}

// Close stops the flush loop after one final flush.
func (m *InMemory) Close() {
	close(m.stop)
	<-m.done
}

// Noop is the Meter used when metering is disabled in configuration.
// Record is a no-op; summaries are always zeroed.
type Noop struct{}

func (Noop) Record(consumerID, serverID, tool string, latencyMs int64, isError bool) {}

func (Noop) GetSummary(consumerID string) types.MeterSummary {
	return types.MeterSummary{ByServer: map[string]int64{}, ByTool: map[string]int64{}}
}

func (Noop) Close() {}
