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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolgate/shared/types"
)

// catBackend returns a descriptor that runs /bin/cat, a stand-in backend
// that echoes whatever it is sent on stdin back out on stdout. Good
// enough to exercise process lifecycle without a real tool-protocol
// implementation on the other end.
func catBackend(id string) types.BackendDescriptor {
	return types.BackendDescriptor{
		ID:          id,
		Command:     "/bin/cat",
		Enabled:     true,
		CallTimeout: 2 * time.Second,
	}
}

func TestStartTransitionsToRunning(t *testing.T) {
	r := New()
	r.Add(catBackend("b1"))

	err := r.Start(context.Background(), "b1")
	require.NoError(t, err)

	status := r.Status()["b1"]
	require.Equal(t, types.BackendRunning, status.Status)

	r.StopAll()
}

func TestStartUnknownBackend(t *testing.T) {
	r := New()
	err := r.Start(context.Background(), "missing")
	require.Error(t, err)
}

func TestStartRefusesDisabled(t *testing.T) {
	r := New()
	d := catBackend("b1")
	d.Enabled = false
	r.Add(d)

	err := r.Start(context.Background(), "b1")
	require.Error(t, err)
}

func TestStartNonexistentCommandTransitionsError(t *testing.T) {
	r := New()
	r.Add(types.BackendDescriptor{ID: "bad", Command: "/no/such/binary", Enabled: true})

	err := r.Start(context.Background(), "bad")
	require.Error(t, err)

	status := r.Status()["bad"]
	require.Equal(t, types.BackendError, status.Status)
}

func TestStopIsIdempotent(t *testing.T) {
	r := New()
	r.Add(catBackend("b1"))
	require.NoError(t, r.Start(context.Background(), "b1"))

	require.NoError(t, r.Stop("b1"))
	require.NoError(t, r.Stop("b1"))

	status := r.Status()["b1"]
	require.Equal(t, types.BackendStopped, status.Status)
}

func TestRestartCountIncrementsOnSecondStart(t *testing.T) {
	r := New()
	r.Add(catBackend("b1"))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "b1"))
	require.NoError(t, r.Stop("b1"))
	require.NoError(t, r.Start(ctx, "b1"))

	r.mu.RLock()
	count := r.entries["b1"].restartCount
	r.mu.RUnlock()
	require.Equal(t, 1, count)

	r.StopAll()
}

func TestFindServerForToolFirstRegisteredWins(t *testing.T) {
	r := New()
	r.Add(catBackend("first"))
	r.Add(catBackend("second"))

	require.NoError(t, r.RegisterTools("first", []types.ToolDescriptor{{Name: "shared_tool"}}))
	require.NoError(t, r.RegisterTools("second", []types.ToolDescriptor{{Name: "shared_tool"}}))

	id, ok := r.FindServerForTool("shared_tool")
	require.True(t, ok)
	require.Equal(t, "first", id)
}

func TestFindServerForToolNotFound(t *testing.T) {
	r := New()
	_, ok := r.FindServerForTool("nope")
	require.False(t, ok)
}

// TestStopEscalatesToKillWhenSIGTERMIgnored guards against stopEntry
// calling cmd.Wait a second time (which returns immediately instead of
// blocking for the real exit) and so never reaching the SIGKILL
// escalation for a backend that ignores SIGTERM.
func TestStopEscalatesToKillWhenSIGTERMIgnored(t *testing.T) {
	r := New()
	r.Add(types.BackendDescriptor{
		ID:      "stubborn",
		Command: "/bin/sh",
		Args:    []string{"-c", "trap '' TERM; sleep 30"},
		Enabled: true,
	})
	require.NoError(t, r.Start(context.Background(), "stubborn"))

	done := make(chan struct{})
	go func() {
		r.Stop("stubborn")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulTimeout + 5*time.Second):
		t.Fatal("Stop did not escalate to SIGKILL within the graceful window")
	}

	status := r.Status()["stubborn"]
	require.Equal(t, types.BackendStopped, status.Status)
}

func TestStopAllDrainsEveryBackend(t *testing.T) {
	r := New()
	r.Add(catBackend("b1"))
	r.Add(catBackend("b2"))
	ctx := context.Background()
	require.NoError(t, r.Start(ctx, "b1"))
	require.NoError(t, r.Start(ctx, "b2"))

	r.StopAll()

	status := r.Status()
	require.Equal(t, types.BackendStopped, status["b1"].Status)
	require.Equal(t, types.BackendStopped, status["b2"].Status)
}
