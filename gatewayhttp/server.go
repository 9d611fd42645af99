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

// Package gatewayhttp wires the orchestrator behind an HTTP front end:
// health and Prometheus endpoints, a southbound REST shim for tool
// calls, and the gateway's own tool-protocol surface for upstream
// clients that want to treat the gateway itself as a tool provider.
package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"toolgate/auth"
	"toolgate/orchestrator"
	"toolgate/shared/types"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_requests_total",
			Help: "Total calls processed by the gateway, by terminal status.",
		},
		[]string{"status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_request_duration_milliseconds",
			Help:    "Call latency in milliseconds, by terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Server is the gateway's HTTP front end.
type Server struct {
	router *mux.Router
	cors   *cors.Cors
	gw     *orchestrator.Gateway
	authn  *auth.Authenticator
}

// New builds a Server with every route registered. Call Handler to
// obtain the CORS-wrapped http.Handler to pass to http.ListenAndServe.
func New(gw *orchestrator.Gateway, authn *auth.Authenticator) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}),
		gw:    gw,
		authn: authn,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Southbound REST shim.
	s.router.HandleFunc("/v1/call", s.handleCall).Methods("POST")
	s.router.HandleFunc("/v1/tools", s.handleListTools).Methods("GET")
	s.router.HandleFunc("/v1/servers", s.handleServerStatus).Methods("GET")
	s.router.HandleFunc("/v1/audit", s.handleAuditLog).Methods("GET")
	s.router.HandleFunc("/v1/audit/verify", s.handleAuditVerify).Methods("GET")
	s.router.HandleFunc("/v1/audit/stats", s.handleAuditStats).Methods("GET")
	s.router.HandleFunc("/v1/usage", s.handleUsage).Methods("GET")

	// Gateway tool-protocol surface: the gateway itself as a tool
	// provider, for upstream clients that speak the tool protocol to it
	// rather than REST.
	s.router.HandleFunc("/tool", s.handleToolProtocol).Methods("POST")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "toolgate",
	})
}

// authenticateRequest extracts a bearer token (or an empty string for
// "none" mode) and resolves it to a caller context. Authentication
// failures never reach the audit log, per the error-handling design.
func (s *Server) authenticateRequest(r *http.Request) (*types.CallerContext, error) {
	token := bearerToken(r)
	return s.authn.Authenticate(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return h
}

type callRequest struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticateRequest(r)
	if err != nil || caller == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	start := time.Now()
	result := s.gw.CallTool(r.Context(), *caller, req.Tool, req.Args)
	requestsTotal.WithLabelValues(string(result.Status)).Inc()
	requestDuration.WithLabelValues(string(result.Status)).Observe(float64(time.Since(start).Milliseconds()))

	statusCode := http.StatusOK
	switch result.Status {
	case types.StatusDenied:
		statusCode = http.StatusForbidden
	case types.StatusRateLimited:
		statusCode = http.StatusTooManyRequests
	case types.StatusError:
		statusCode = http.StatusBadGateway
	}
	writeJSON(w, statusCode, result)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.ListTools())
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.ServerStatus())
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	filter := auditFilterFromQuery(r)
	rows, err := s.gw.AuditQuery(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.gw.AuditVerify(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gw.AuditStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	consumerID := r.URL.Query().Get("consumer")
	writeJSON(w, http.StatusOK, s.gw.Usage(consumerID))
}

func auditFilterFromQuery(r *http.Request) types.AuditFilter {
	q := r.URL.Query()
	return types.AuditFilter{
		ConsumerID: q.Get("consumer"),
		ServerID:   q.Get("server"),
		Tool:       q.Get("tool"),
		Status:     types.AuditStatus(q.Get("status")),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
