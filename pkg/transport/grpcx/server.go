package grpcx

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jacktea/xblob/pkg/logging"
)

// RequestIDKey is the metadata key carrying a caller-chosen request id.
const RequestIDKey = "x-request-id"

// Handler answers request frames; *dispatch.Dispatcher satisfies it.
type Handler interface {
	Handle(ctx context.Context, request []byte) []byte
}

// Server exposes a Handler over the Exchange service.
type Server struct {
	UnimplementedExchangeServer
	Handler Handler
}

func (s *Server) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	return wrapperspb.Bytes(s.Handler.Handle(ctx, in.GetValue())), nil
}

// Options configures NewServer.
type Options struct {
	Logger      *zerolog.Logger
	MaxMsgBytes int
}

// NewServer returns a gRPC server with the Exchange service registered
// and request logging installed.
func NewServer(h Handler, opts Options) *grpc.Server {
	log := logging.OrNop(opts.Logger).With().Str("component", "grpc").Logger()
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(LoggingInterceptor(log))}
	if opts.MaxMsgBytes > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(opts.MaxMsgBytes), grpc.MaxSendMsgSize(opts.MaxMsgBytes))
	}
	srv := grpc.NewServer(serverOpts...)
	RegisterExchangeServer(srv, &Server{Handler: h})
	return srv
}

// Serve listens on addr until ctx is canceled, then stops gracefully.
func Serve(ctx context.Context, srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// LoggingInterceptor logs each unary call with its request id and duration.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		reqID := incomingRequestID(ctx)
		resp, err := handler(ctx, req)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("request_id", reqID).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDKey); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.NewString()
}
