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

package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"toolgate/jsonrpc"
	"toolgate/shared/types"
)

// handleToolProtocol exposes the gateway itself as a tool provider to
// upstream clients, per the southbound tool-protocol surface: call,
// list_tools, list_servers, server_status, audit_log, audit_verify,
// audit_stats, usage. Results are returned as single-element content
// arrays carrying JSON text, mirroring the backend wire format so a
// gateway can be chained behind another gateway.
func (s *Server) handleToolProtocol(w http.ResponseWriter, r *http.Request) {
	body, err := jsonrpc.ParseReader(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}

	caller, authErr := s.authenticateRequest(r)
	if authErr != nil || caller == nil {
		writeJSON(w, http.StatusOK, toolProtocolError(body.ID, "unauthorized"))
		return
	}

	result, toolErr := s.dispatchToolMethod(r, *caller, body)
	if toolErr != "" {
		writeJSON(w, http.StatusOK, toolProtocolError(body.ID, toolErr))
		return
	}
	writeJSON(w, http.StatusOK, toolProtocolResult(body.ID, result))
}

func (s *Server) dispatchToolMethod(r *http.Request, caller types.CallerContext, req *jsonrpc.Message) (interface{}, string) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	_ = json.Unmarshal(req.Params, &params)

	switch req.Method {
	case "call":
		res := s.gw.CallTool(r.Context(), caller, stringArg(params.Arguments, "tool"), objArg(params.Arguments, "args"))
		return res, ""
	case "list_tools":
		return s.gw.ListTools(), ""
	case "list_servers", "server_status":
		return s.gw.ServerStatus(), ""
	case "audit_log":
		rows, err := s.gw.AuditQuery(r.Context(), types.AuditFilter{})
		if err != nil {
			return nil, err.Error()
		}
		return rows, ""
	case "audit_verify":
		result, err := s.gw.AuditVerify(r.Context())
		if err != nil {
			return nil, err.Error()
		}
		return result, ""
	case "audit_stats":
		stats, err := s.gw.AuditStats(r.Context())
		if err != nil {
			return nil, err.Error()
		}
		return stats, ""
	case "usage":
		return s.gw.Usage(stringArg(params.Arguments, "consumer")), ""
	default:
		return nil, "unknown method: " + req.Method
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func objArg(args map[string]interface{}, key string) map[string]interface{} {
	if args == nil {
		return nil
	}
	m, _ := args[key].(map[string]interface{})
	return m
}

func toolProtocolResult(id json.RawMessage, result interface{}) map[string]interface{} {
	body, _ := json.Marshal(result)
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": string(body)}},
		},
	}
}

func toolProtocolError(id json.RawMessage, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": -32000, "message": message},
	}
}
