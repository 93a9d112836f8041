// Command geminipool serves an OpenAI-compatible chat completion API backed
// by a rotating pool of Gemini Code Assist credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/poolbridge/geminipool/internal/api"
	"github.com/poolbridge/geminipool/internal/config"
	"github.com/poolbridge/geminipool/internal/credential"
	"github.com/poolbridge/geminipool/internal/gauth"
	"github.com/poolbridge/geminipool/internal/pipeline"
	"github.com/poolbridge/geminipool/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	setupLogging(cfg)

	store := credential.NewFileStore(cfg.CredentialsFile)
	pool := credential.NewPool(store, gauth.NewGoogleRefresher())
	pool.SetStaleness(time.Duration(cfg.PoolStalenessSeconds) * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = pool.Load(ctx, true); err != nil {
		log.Warnf("initial credential load: %v", err)
	}
	log.Infof("credential pool ready: %d account(s) in rotation", pool.Len())

	if cfg.WatchCredentials {
		go func() {
			if err := credential.WatchStore(ctx, store, pool); err != nil {
				log.Warnf("credential watcher stopped: %v", err)
			}
		}()
	}

	pipe := pipeline.New(pool, upstream.NewCodeAssistClient())
	handler := api.NewHandler(cfg, pool, pipe)
	router := api.NewRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		log.Infof("listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}
