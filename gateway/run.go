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

// Package gateway wires every collaborator package into a running
// gateway instance: configuration, storage, audit, meter, rate limiter,
// policy engine, registry, authenticator, and the HTTP front end.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"toolgate/audit"
	"toolgate/auth"
	"toolgate/config"
	"toolgate/gatewayhttp"
	"toolgate/meter"
	"toolgate/orchestrator"
	"toolgate/policy"
	"toolgate/ratelimit"
	"toolgate/registry"
	"toolgate/shared/logger"
	"toolgate/storage"
)

var log = logger.New("gateway")

// Run loads configuration, assembles the pipeline, starts every enabled
// backend, and blocks serving HTTP until an interrupt or terminate
// signal arrives, then drains.
func Run() {
	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "gateway.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.ErrorWithErr("", "", "failed to load configuration", err, nil)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.ErrorWithErr("", "", "invalid configuration", err, nil)
		os.Exit(1)
	}

	gw, authn, err := build(cfg)
	if err != nil {
		log.ErrorWithErr("", "", "failed to assemble gateway", err, nil)
		os.Exit(1)
	}

	for _, backend := range cfg.Backends() {
		if !backend.Enabled {
			continue
		}
		if err := gw.StartBackend(context.Background(), backend.ID); err != nil {
			log.ErrorWithErr("", "", "failed to start backend", err, map[string]interface{}{"backend_id": backend.ID})
			continue
		}
		if _, err := gw.DiscoverBackend(context.Background(), backend.ID); err != nil {
			log.ErrorWithErr("", "", "tool discovery failed", err, map[string]interface{}{"backend_id": backend.ID})
		}
	}

	httpServer := gatewayhttp.New(gw, authn)
	addr := fmt.Sprintf("%s:%d", cfg.Host, effectivePort(cfg.Port))

	srv := &http.Server{Addr: addr, Handler: httpServer.Handler()}
	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "", "http server error", err, nil)
		}
	}()

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Close()
}

func effectivePort(configured int) int {
	if configured == 0 {
		return 8080
	}
	return configured
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

// build assembles every collaborator from configuration without
// starting any backend process yet, so the caller (Run) controls
// startup order.
func build(cfg *config.Config) (*orchestrator.Gateway, *auth.Authenticator, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	auditLog, err := audit.New(context.Background(), store, auditOptions(cfg)...)
	if err != nil {
		return nil, nil, err
	}

	var m meter.Meter
	if cfg.Metering.Enabled {
		m = meter.New(store, cfg.Metering.FlushInterval)
	} else {
		m = meter.Noop{}
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return nil, nil, err
	}

	pol := policy.New(cfg.DomainPolicies())

	reg := registry.New()
	for _, backend := range cfg.Backends() {
		reg.Add(backend)
	}

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		return nil, nil, err
	}

	gw := orchestrator.New(reg, pol, limiter, auditLog, m)
	return gw, authn, nil
}

func buildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Audit.Driver {
	case "postgres":
		return storage.NewPostgres(context.Background(), cfg.Audit.DSN)
	default:
		return storage.NewEmbedded(cfg.Audit.Path, cfg.Audit.MeterPath)
	}
}

func auditOptions(cfg *config.Config) []audit.Option {
	var opts []audit.Option
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, audit.WithWebhook(cfg.Audit.WebhookURL))
	}
	if cfg.Audit.ChainDisabled {
		opts = append(opts, audit.WithChainDisabled())
	}
	return opts
}

func buildLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	limit := cfg.RateLimit.DefaultPerMinute
	if limit == 0 {
		limit = 60
	}
	burst := cfg.RateLimit.BurstMultiplier
	if burst == 0 {
		burst = 2.0
	}
	if cfg.RateLimit.Driver == "redis" {
		return ratelimit.DialRedisLimiter(cfg.RateLimit.RedisAddr, limit, burst)
	}
	return ratelimit.New(limit, burst), nil
}

func buildAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	switch auth.Mode(cfg.Auth.Mode) {
	case auth.ModePreShared:
		return auth.New(auth.ModePreShared, auth.NewPreSharedVerifier(cfg.Credentials())), nil
	case auth.ModeSignedToken:
		return auth.New(auth.ModeSignedToken, auth.NewSignedTokenVerifier(auth.SignedTokenOptions{
			Secret:       []byte(cfg.Auth.Secret),
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
			SubjectClaim: cfg.Auth.SubjectClaim,
			RolesClaim:   cfg.Auth.RolesClaim,
		})), nil
	case auth.ModeDiscoverySignedToken:
		return auth.New(auth.ModeDiscoverySignedToken, auth.NewDiscoveryVerifier(auth.DiscoveryOptions{
			SignedTokenOptions: auth.SignedTokenOptions{
				Secret:       []byte(cfg.Auth.Secret),
				Issuer:       cfg.Auth.Issuer,
				Audience:     cfg.Auth.Audience,
				SubjectClaim: cfg.Auth.SubjectClaim,
				RolesClaim:   cfg.Auth.RolesClaim,
			},
			DiscoveryURL:   cfg.Auth.DiscoveryURL,
			AllowedDomains: cfg.Auth.AllowedDomains,
		})), nil
	default:
		return auth.New(auth.ModeNone, auth.NoneVerifier{}), nil
	}
}
