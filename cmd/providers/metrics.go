package providers

import (
	"context"
	"net/http"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/pkg/metrics"
)

// Metrics config keys.
const (
	ConfMetricsAddr = "metrics.addr"
)

func init() {
	viper.SetDefault(ConfMetricsAddr, ":9090")
}

// GOMPrometheusSync specifies the time interval to sync go-metrics to
// Prometheus. Sarama reports its client metrics through go-metrics.
var GOMPrometheusSync = 5 * time.Second

// NewMetrics registers the digestd collectors and serves them over HTTP.
func NewMetrics(lc fx.Lifecycle, log *zap.Logger) *metrics.Metrics {
	m := metrics.New(prometheus.DefaultRegisterer)
	gomProvider := prometheusmetrics.NewPrometheusProvider(
		gometrics.DefaultRegistry,
		"digestd", "",
		prometheus.DefaultRegisterer,
		GOMPrometheusSync)
	go gomProvider.UpdatePrometheusMetrics()

	addr := viper.GetString(ConfMetricsAddr)
	if addr == "" {
		log.Info("Metrics server disabled")
		return m
	}
	server := &http.Server{Addr: addr, Handler: metricsHandler()}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			log.Info("Starting metrics server", zap.String(ConfMetricsAddr, addr))
			go func() {
				if err := server.ListenAndServe(); err != http.ErrServerClosed {
					log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return m
}

// metricsHandler serves GET /metrics and nothing else.
func metricsHandler() http.Handler {
	prom := promhttp.Handler()
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		prom.ServeHTTP(w, r)
	})
	return mux
}
