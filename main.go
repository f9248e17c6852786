package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"storystudio/app"
	"storystudio/config"
	"storystudio/obs"
)

const serviceName = "storystudio-api"

func main() {
	shutdownObs, logger := obs.Init(serviceName)
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config failed", "err", err)
		os.Exit(1)
	}
	ctx, cancel := app.SignalContext()
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("init app failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	srv, err := a.API(serviceName)
	if err != nil {
		logger.Error("init api failed", "err", err)
		os.Exit(1)
	}

	// 内存队列只在本进程可见，消费者必须同进程运行
	if cfg.MQ.Driver == "memory" {
		go func() {
			if err := a.RunWorkers(ctx); err != nil {
				logger.Error("in-process workers exited", "err", err)
				cancel()
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = httpSrv.Shutdown(sctx)
	}()

	logger.Info("api listening", "addr", httpSrv.Addr, "store", cfg.Store.Driver, "mq", cfg.MQ.Driver)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
