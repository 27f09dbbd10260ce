package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meeting-pipeline-go/internal/config"
	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/processor"
)

func main() {
	cfg := config.Load() // loads .env

	log := logger.New()
	log.WithField("service", "meeting-pipeline-go").Info("starting service")

	svc, err := processor.Open(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open processor")
	}
	svc.Start()
	if n, err := svc.ResumePending(); err != nil {
		log.WithError(err).Error("resume pending tasks")
	} else {
		log.WithField("resumed", n).Info("pending tasks checked")
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newMux(svc, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.WithError(err).Error("processor shutdown")
	}
}
