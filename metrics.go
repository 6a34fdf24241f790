package tweetvault

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tweetvault",
		Name:      "pages_fetched_total",
		Help:      "search result pages fetched",
	})

	pageRefetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tweetvault",
		Name:      "page_refetches_total",
		Help:      "pages refetched after returning a non-standard post count",
	})

	postsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tweetvault",
		Name:      "posts_parsed_total",
		Help:      "post fragments parsed by status",
	}, []string{"status"})

	mediaDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tweetvault",
		Name:      "media_downloads_total",
		Help:      "attachment downloads by status",
	}, []string{"status"})

	mediaBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tweetvault",
		Name:      "media_bytes_total",
		Help:      "bytes streamed through the content-addressed sink",
	})

	transportRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tweetvault",
		Name:      "transport_retries_total",
		Help:      "transport-level retry attempts",
	})
)

// StartMetricsServer exposes /metrics on addr. No-op when addr is empty.
func StartMetricsServer(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server exited", "error", err)
		}
	}()
}
