package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/devserver"
	"github.com/chatsync/internal/logger"
)

func main() {
	logger.SetPrefix("devserver")
	hideTempID := flag.Bool("hide-temp-id", false, "omit client_temp_id from live message events")
	rateLimit := flag.Int("rate-limit", 0, "conversation requests per user per minute (0 = off)")
	origins := flag.String("origins", "*", "allowed origins, comma-separated")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	users, err := devserver.ParseUsers(cfg.DevUsers)
	if err != nil {
		logger.Errorf("users: %v", err)
		os.Exit(1)
	}
	for token, id := range users {
		logger.Infof("user %s (%s) token %s", id.ID, id.Name, token)
	}

	dev := devserver.New(devserver.Options{
		Users:          users,
		SingleReaction: cfg.SingleReaction,
		HideTempID:     *hideTempID,
		SendRateLimit:  *rateLimit,
		AllowedOrigins: *origins,
	})

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		dev.Run(hubCtx)
	}()

	srv := &http.Server{
		Addr:        cfg.DevServerAddr,
		Handler:     dev.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.DevServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}
