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

// Package gatewayerr defines the gateway's error taxonomy. Every failure
// site in the pipeline maps to one of these kinds so callers can branch
// on category instead of parsing messages.
package gatewayerr

// Kind is one category in the error taxonomy.
type Kind string

const (
	Authentication Kind = "authentication"
	Authorization  Kind = "authorization"
	Rate           Kind = "rate"
	NotFound       Kind = "not-found"
	Timeout        Kind = "timeout"
	Remote         Kind = "remote"
	Transport      Kind = "transport"
	Storage        Kind = "storage"
	Config         Kind = "config"
)

// Error is a typed gateway error carrying its taxonomy kind.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	s := e.Kind.String() + ": " + e.Op + ": " + e.Message
	if e.Cause != nil {
		s += " (cause: " + e.Cause.Error() + ")"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// String renders the kind as plain text.
func (k Kind) String() string {
	return string(k)
}

// New constructs an Error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err is a gateway Error of the given kind.
func Is(err error, kind Kind) bool {
	ge, ok := err.(*Error)
	return ok && ge.Kind == kind
}
