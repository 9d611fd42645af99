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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T, limit int, burst float64) *RedisLimiter {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, limit, burst)
}

func TestRedisLimiterAdmitsUpToCap(t *testing.T) {
	l := newTestRedisLimiter(t, 3, 2.0) // cap = 6
	for i := 0; i < 6; i++ {
		r := l.Check("k", nil)
		require.True(t, r.Allowed, "call %d should be admitted", i)
	}
	r := l.Check("k", nil)
	require.False(t, r.Allowed)
}

func TestRedisLimiterIsolatesKeys(t *testing.T) {
	l := newTestRedisLimiter(t, 1, 1.0)
	l.Check("k1", nil)
	r := l.Check("k1", nil)
	require.False(t, r.Allowed)

	r2 := l.Check("k2", nil)
	require.True(t, r2.Allowed)
}
