package utils

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func WatchSignal(ctx context.Context) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signalCh)
	select {
	case <-signalCh:
	case <-ctx.Done():
	}
}

// ListenAndServe serves h on addr until a signal arrives or ctx is done,
// then shuts the server down.
func ListenAndServe(ctx context.Context, h http.Handler, addr string) {
	logger := GetLogger()
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %s", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn(err)
		}
		logger.Info("server shutdown")
	}()

	WatchSignal(ctx)
}
