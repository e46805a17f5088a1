/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Command gateway serves the external HTTP interfaces (emergency
// stop/resume, goal submission, task reads/assignment, the goal-status
// websocket) directly against the store gateway. It is a plain REST
// front door onto internal/store; it runs no control-plane loops of its
// own.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hortator-ai/orchestrator/internal/gateway"
	"github.com/hortator-ai/orchestrator/internal/store"
	"github.com/hortator-ai/orchestrator/internal/vectorstore"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	addr := os.Getenv("HORTATOR_GATEWAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	s, err := openStore(log)
	if err != nil {
		log.Fatalw("opening store", "error", err)
	}
	defer func() { _ = s.Close() }()

	handler := gateway.New(s, gateway.DefaultRateLimiter())

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // disabled: the watch endpoint upgrades to a long-lived websocket
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infow("starting gateway", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func openStore(log *zap.SugaredLogger) (store.Store, error) {
	var vector vectorstore.Store
	if provider, endpoint := os.Getenv("HORTATOR_VECTORSTORE_PROVIDER"), os.Getenv("HORTATOR_VECTORSTORE_ENDPOINT"); provider != "" && endpoint != "" {
		v, err := vectorstore.New(provider, endpoint)
		if err != nil {
			return nil, err
		}
		vector = v
	}

	dsn := os.Getenv("HORTATOR_STORE_DSN")
	if dsn == "" {
		log.Warn("HORTATOR_STORE_DSN not set, falling back to an in-memory sqlite store (dev mode only)")
		return store.NewSQLite(":memory:", vector)
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		return store.NewSQLite(strings.TrimPrefix(dsn, "sqlite://"), vector)
	}
	return store.NewPostgres(context.Background(), dsn, vector)
}
