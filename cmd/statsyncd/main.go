package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/phivo/statsync/internal/aggregate"
	"github.com/phivo/statsync/internal/api"
	"github.com/phivo/statsync/internal/common"
	"github.com/phivo/statsync/internal/store"
	"github.com/phivo/statsync/internal/syncer"
	"github.com/phivo/statsync/internal/upstream"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("statsync: .env file not loaded", "error", err)
	} else {
		logger.Info("statsync: environment loaded from .env")
	}

	addr := flag.String("addr", defaultAddr(), "listen address")
	dbPath := flag.String("db", "", "path to the SQLite mirror database (defaults to STATSYNC_DB_PATH)")
	skipStartupSync := flag.Bool("skip-startup-sync", false, "do not run the freshness-based sync on startup")
	flag.Parse()

	logger.Info("statsync: startup initiated", "addr", *addr)

	client, err := upstream.NewFromEnv()
	if err != nil {
		logger.Error("statsync: upstream client configuration failed", "error", err)
		fmt.Println("upstream config error:", err)
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		logger.Error("statsync: store open failed", "error", err)
		fmt.Println("store error:", err)
		os.Exit(1)
	}
	defer st.Close()

	sync := syncer.New(client, st)
	engine := aggregate.New(st)
	server := api.NewServer(st, engine, sync)

	if !*skipStartupSync {
		if err := sync.StartupSync(ctx); err != nil {
			if errors.Is(err, upstream.ErrAuthentication) {
				logger.Error("statsync: startup sync failed to authenticate", "error", err)
				fmt.Println("authentication error:", err)
				os.Exit(1)
			}
			logger.Error("statsync: startup sync failed, serving stale data", "error", err)
		}
	}
	sync.Schedule(ctx)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("statsync: listening", "addr", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("statsync: shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("statsync: server failed", "error", err)
			os.Exit(1)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("statsync: shutdown failed", "error", err)
	}
	logger.Info("statsync: stopped")
}

func defaultAddr() string {
	if addr := strings.TrimSpace(os.Getenv("STATSYNC_ADDR")); addr != "" {
		return addr
	}
	return ":8080"
}
