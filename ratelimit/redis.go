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

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"toolgate/shared/types"
)

// RedisLimiter is a distributed fixed-window limiter for gateway
// deployments running more than one replica against shared admission
// state. It keeps the same cap = ceil(limit * burstMultiplier) semantics
// as FixedWindow; only the storage is shared instead of per-process.
//
// On any Redis error the check fails open (admits the call) rather than
// blocking the pipeline on a storage outage.
type RedisLimiter struct {
	client          *redis.Client
	defaultLimit    int
	burstMultiplier float64
	now             func() time.Time
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client, defaultLimit int, burstMultiplier float64) *RedisLimiter {
	return &RedisLimiter{client: client, defaultLimit: defaultLimit, burstMultiplier: burstMultiplier, now: time.Now}
}

// DialRedisLimiter parses a redis:// URL, connects, and pings the server
// before returning.
func DialRedisLimiter(redisURL string, defaultLimit int, burstMultiplier float64) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLimiter(client, defaultLimit, burstMultiplier), nil
}

// Check performs one admission decision, windowed to the current
// 60-second bucket boundary so every replica agrees on the window edge.
func (r *RedisLimiter) Check(key string, overridePerMinute *int) types.RateResult {
	limit := r.defaultLimit
	if overridePerMinute != nil {
		limit = *overridePerMinute
	}
	admitCap := int(math.Ceil(float64(limit) * r.burstMultiplier))

	now := r.now()
	windowStart := now.Truncate(windowLength)
	resetAt := windowStart.Add(windowLength)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, windowLength+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.RateResult{Allowed: true, Remaining: admitCap, ResetAt: resetAt} // fail open
	}

	count := incr.Val()
	if count > int64(admitCap) {
		return types.RateResult{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return types.RateResult{Allowed: true, Remaining: admitCap - int(count), ResetAt: resetAt}
}

// Close releases the underlying Redis connection pool.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
