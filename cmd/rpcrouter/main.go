// Command rpcrouter runs the multi-chain JSON-RPC router: it loads a
// chain registry from disk, health-checks every upstream, and serves a
// session-aware read/execute API in front of them.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/api"
	"github.com/chalabi2/rpc-router/internal/config"
	"github.com/chalabi2/rpc-router/internal/executor"
	"github.com/chalabi2/rpc-router/internal/health"
	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/selector"
	"github.com/chalabi2/rpc-router/internal/session"
	"github.com/chalabi2/rpc-router/internal/store"
)

const shutdownGrace = 30 * time.Second

func main() {
	var (
		listenAddr  = flag.String("listen", ":8080", "address the HTTP API listens on")
		configPath  = flag.String("config", "config.json", "path to the chain registry JSON file")
		redisAddr   = flag.String("redis-addr", "", "redis address (host:port); empty uses the in-memory store")
		redisPass   = flag.String("redis-password", "", "redis password")
		redisDB     = flag.Int("redis-db", 0, "redis database index")
		development = flag.Bool("dev", false, "use development (console) logging instead of JSON")
	)
	flag.Parse()

	logger := newLogger(*development)
	defer logger.Sync()

	opts := model.DefaultOptions()

	kv := newStore(*redisAddr, *redisPass, *redisDB)
	defer kv.Close()

	m, err := metrics.Acquire(nil)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}
	defer metrics.Release()

	checker := health.New(kv, m, logger.Named("health"), opts)
	loader := config.New(*configPath, kv, checker, m, logger.Named("config"), opts)
	sel := selector.New(kv, loader, m, logger.Named("selector"))
	sessions := session.New(kv, m, logger.Named("session"), opts.SessionTTL)
	exec := executor.New(sessions, sel, checker, m, logger.Named("executor"), opts)
	handler := api.New(kv, sel, exec, logger.Named("api"), opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loader.Start(ctx); err != nil {
		logger.Fatal("initial config load failed", zap.Error(err))
	}
	defer loader.Stop()

	checker.Start(ctx)
	defer checker.Stop()

	sessions.Start(ctx, opts.SessionTTL)
	defer sessions.Stop()

	srv := &http.Server{Addr: *listenAddr, Handler: handler}
	go func() {
		logger.Info("listening", zap.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown timed out", zap.Error(err))
	}
}

func newLogger(development bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func newStore(addr, password string, db int) store.Store {
	if addr == "" {
		return store.NewMemory()
	}
	return store.NewRedis(addr, password, db)
}
