package rpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"creditscribe.org/internal/obs"
)

// NewServer builds a gRPC server with the Credits and standard health
// services registered. The returned health server starts SERVING.
func NewServer(credits CreditsServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(recoverUnary, logUnary)}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterCreditsServer(srv, credits)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().Info("rpc_complete",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
	)
	return resp, err
}

func recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs.Logger().Error("rpc_panic", zap.String("method", info.FullMethod), zap.String("panic", fmt.Sprint(r)))
			err = status.Error(codes.Internal, "internal failure")
		}
	}()
	return handler(ctx, req)
}
