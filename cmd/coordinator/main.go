// Command coordinator runs the depot coordinator: it monitors the configured
// storage nodes and serves the file API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/depot/internal/api"
	"github.com/dreamware/depot/internal/auth"
	"github.com/dreamware/depot/internal/config"
	"github.com/dreamware/depot/internal/coordinator"
	"github.com/dreamware/depot/internal/logger"
	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/wire"
)

func main() {
	cfg, err := config.Load(getenv("DEPOT_CONFIG", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log, "coordinator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	svc, handler := newCoordinator(cfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("coordinator listening",
			zap.String("addr", cfg.Coordinator.ListenAddr),
			zap.Int("nodes", len(cfg.Nodes)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	svc.Stop()
}

// newCoordinator builds the service and its HTTP handler from cfg. The
// caller starts the service.
func newCoordinator(cfg config.Config, log *zap.Logger) (*coordinator.Service, http.Handler) {
	co := cfg.Coordinator
	m := metrics.NewCoordinator()
	client := wire.NewClient(co.ConnectTimeout, co.SocketTimeout)
	svc := coordinator.NewService(co, cfg.Nodes, client, authorizer(cfg), log, m)

	var limiter *rate.Limiter
	if co.APIRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(co.APIRateLimit), max(co.APIBurst, 1))
	}
	return svc, api.New(svc, log, limiter, m.Handler()).Handler()
}

// authorizer returns a static policy over the configured users, or AllowAll
// when none are configured.
func authorizer(cfg config.Config) auth.Authorizer {
	if len(cfg.Users) == 0 {
		return auth.AllowAll{}
	}
	users := make(map[string]auth.User, len(cfg.Users))
	for id, u := range cfg.Users {
		users[id] = auth.User{Role: u.Role, Department: u.Department}
	}
	return auth.NewStaticPolicy(users)
}

// getenv retrieves an environment variable value or returns a default.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
