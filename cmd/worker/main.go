package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storystudio/app"
	"storystudio/config"
	"storystudio/obs"
)

func main() {
	shutdownObs, logger := obs.Init("storystudio-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config failed", "err", err)
		os.Exit(1)
	}
	if cfg.MQ.Driver == "memory" {
		logger.Error("MQ_DRIVER=memory 时消费者随 API 进程运行，worker 需要 rabbitmq 或 redis")
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

	go serveMetrics(cfg.Metrics.Addr)

	logger.Info("worker start", "mq", cfg.MQ.Driver, "store", cfg.Store.Driver)
	if err := a.RunWorkers(ctx); err != nil {
		logger.Error("workers exited", "err", err)
		a.Close()
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("storystudio-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}
