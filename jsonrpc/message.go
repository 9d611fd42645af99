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

// Package jsonrpc implements the line-delimited JSON-RPC 2.0 dialect the
// gateway speaks to each backend over stdio.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"io"
)

const Version = "2.0"

// Message is the union of request, notification, response, and error
// shapes the wire format allows. ID and Params/Result are kept raw so a
// message can be parsed once and routed by Type.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Type classifies a parsed Message.
type Type int

const (
	TypeRequest Type = iota
	TypeNotification
	TypeResponse
	TypeInvalid
)

// Type classifies the message: a request has a method and an id, a
// notification has a method and no id, a response has an id and either
// a result or an error.
func (m *Message) Type() Type {
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	switch {
	case m.Method != "" && hasID:
		return TypeRequest
	case m.Method != "" && !hasID:
		return TypeNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return TypeResponse
	default:
		return TypeInvalid
	}
}

// Parse decodes one line of input. A line that does not parse as a JSON
// object is reported as an error so the caller can silently discard it
// per the wire contract (stderr bleed, partial writes).
func Parse(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseReader decodes a single JSON-RPC object from r. Used by HTTP
// transports that carry one request per body rather than one per line.
func ParseReader(r io.Reader) (*Message, error) {
	var m Message
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Serialize encodes a message as a single line, without the trailing
// newline (the caller appends it when framing onto the stream).
func Serialize(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// NewRequest builds a request message with the given numeric id.
func NewRequest(id int64, method string, params interface{}) (*Message, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	idBytes, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: idBytes, Method: method, Params: p}, nil
}
