// Command node runs depot storage nodes. With NODE_ID set it runs that one
// configured node; otherwise it runs every configured node in this process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/depot/internal/config"
	"github.com/dreamware/depot/internal/logger"
	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/node"
	"github.com/dreamware/depot/internal/storage"
)

func main() {
	cfg, err := config.Load(getenv("DEPOT_CONFIG", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log, "node")
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ids, err := selectNodes(cfg, getenv("NODE_ID", ""))
	if err != nil {
		log.Fatal("select nodes", zap.Error(err))
	}

	servers, metricsMux, err := startNodes(cfg, ids, log)
	if err != nil {
		log.Fatal("start nodes", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:              cfg.Node.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)
	for _, s := range servers {
		_ = s.Close()
	}
	log.Info("nodes stopped")
}

// selectNodes returns the node ids this process should run.
func selectNodes(cfg config.Config, nodeID string) ([]string, error) {
	if nodeID != "" {
		if _, ok := cfg.NodeByID(nodeID); !ok {
			return nil, fmt.Errorf("node %q is not configured", nodeID)
		}
		return []string{nodeID}, nil
	}
	ids := make([]string, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

// startNodes starts one storage node per id, each storing its files under
// DataDir/<id>, and returns a mux serving /metrics/{id} for all of them.
// On error every node already started is closed.
func startNodes(cfg config.Config, ids []string, log *zap.Logger) ([]*node.Server, *http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var servers []*node.Server
	fail := func(err error) ([]*node.Server, *http.ServeMux, error) {
		for _, s := range servers {
			_ = s.Close()
		}
		return nil, nil, err
	}

	for _, id := range ids {
		info, ok := cfg.NodeByID(id)
		if !ok {
			return fail(fmt.Errorf("node %q is not configured", id))
		}
		store, err := storage.NewDiskStore(filepath.Join(cfg.Node.DataDir, id), cfg.Node.Departments)
		if err != nil {
			return fail(err)
		}

		m := metrics.NewNode(id)
		srv := node.New(node.Config{
			ID:             id,
			ListenAddr:     info.Addr,
			WorkerPoolSize: cfg.Node.WorkerPoolSize,
			SocketTimeout:  cfg.Node.SocketTimeout,
			IdleTimeout:    cfg.Node.IdleTimeout,
			ReapInterval:   cfg.Node.ReapInterval,
		}, store, log, m)
		if err := srv.Start(); err != nil {
			return fail(err)
		}
		servers = append(servers, srv)
		mux.Handle("/metrics/"+id, m.Handler())
	}
	return servers, mux, nil
}

// getenv retrieves an environment variable value or returns a default.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
