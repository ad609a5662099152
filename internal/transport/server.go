package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"caracaldb/internal/metrics"
)

const (
	serviceName   = "caracaldb.transport.Replica"
	deliverMethod = "/" + serviceName + "/Deliver"
)

type replicaServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// serviceDesc registers the single Deliver RPC. Packets are opaque bytes, so
// the well-known wrapper types stand in for generated messages.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "caracaldb/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicaServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicaServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

type deliverServer struct {
	inbox chan []byte
	done  <-chan struct{}
}

func (s *deliverServer) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	select {
	case s.inbox <- in.GetValue():
		return &emptypb.Empty{}, nil
	case <-s.done:
		return nil, status.Error(codes.Unavailable, ErrClosed.Error())
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func startServer(lis net.Listener, timeout time.Duration, maxStreams uint32, srv replicaServer) *grpc.Server {
	if timeout <= 0 {
		slog.Warn("transport timeout must be positive, using 1s", "configured", timeout)
		timeout = time.Second
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(timeoutInterceptor(timeout), metrics.UnaryServerInterceptor()),
	}
	if maxStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(maxStreams))
	}

	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, srv)
	reflection.Register(s)
	slog.Info("transport listening", "addr", lis.Addr().String())

	go func() {
		if err := s.Serve(lis); err != nil {
			slog.Error("failed to serve transport listener", "error", err)
		}
	}()
	return s
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return handler(ctx, req)
	}
}
