package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	syncPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_sync_pushes_total",
			Help: "Total number of sync pushes by result.",
		},
		[]string{"result"},
	)
	syncPushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_sync_push_duration_seconds",
			Help:    "Sync push latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retriesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_retries_scheduled_total",
			Help: "Total number of retries scheduled after a failed push.",
		},
	)
	syncExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_sync_exhausted_total",
			Help: "Total number of messages marked failed after exhausting retries.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_queue_depth",
			Help: "Number of messages waiting in the delivery queue.",
		},
	)
	connectivityOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_connectivity_online",
			Help: "1 when the remote backend is reachable, 0 otherwise.",
		},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

func init() {
	prometheus.MustRegister(
		syncPushesTotal,
		syncPushDuration,
		retriesScheduledTotal,
		syncExhaustedTotal,
		queueDepth,
		connectivityOnline,
		httpRequestsTotal,
		grpcServerHandledTotal,
	)
}

// ObservePush records one push attempt.
func ObservePush(err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	syncPushesTotal.WithLabelValues(result).Inc()
	syncPushDuration.Observe(elapsed.Seconds())
}

func IncRetryScheduled() {
	retriesScheduledTotal.Inc()
}

func IncSyncExhausted() {
	syncExhaustedTotal.Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetOnline(online bool) {
	if online {
		connectivityOnline.Set(1)
		return
	}
	connectivityOnline.Set(0)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Convert(err).Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}
