package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestObservePush(t *testing.T) {
	okBefore := testutil.ToFloat64(syncPushesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(syncPushesTotal.WithLabelValues("error"))

	ObservePush(nil, 10*time.Millisecond)
	ObservePush(errors.New("boom"), 10*time.Millisecond)
	ObservePush(errors.New("boom"), 10*time.Millisecond)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(syncPushesTotal.WithLabelValues("ok")))
	assert.Equal(t, errBefore+2, testutil.ToFloat64(syncPushesTotal.WithLabelValues("error")))
}

func TestGaugeSetters(t *testing.T) {
	SetQueueDepth(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(queueDepth))

	SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(connectivityOnline))
	SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(connectivityOnline))
}

func TestGRPCInterceptorCountsCodes(t *testing.T) {
	interceptor := GRPCServerMetricsUnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/outpost.v1.Outpost/Status"}
	counter := grpcServerHandledTotal.WithLabelValues("outpost.v1.Outpost", "Status", codes.NotFound.String())
	before := testutil.ToFloat64(counter)

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "missing")
	})
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestSplitFullMethod(t *testing.T) {
	tests := []struct {
		in            string
		service, name string
	}{
		{"/outpost.v1.Outpost/SubmitText", "outpost.v1.Outpost", "SubmitText"},
		{"bogus", "unknown", "unknown"},
	}
	for _, tt := range tests {
		s, m := splitFullMethod(tt.in)
		assert.Equal(t, tt.service, s)
		assert.Equal(t, tt.name, m)
	}
}
