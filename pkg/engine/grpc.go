package engine

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// metadataAuthorization is the gRPC metadata key carrying the bearer token.
const metadataAuthorization = "authorization"

// UnaryServerInterceptor returns a gRPC unary interceptor that
// authenticates every call through the engine before invoking the handler.
//
// The bearer token is read from the "authorization" metadata entry. On
// success the handler runs with the [AuthResult] attached to the context.
// Device classification and bot detection are HTTP-edge signals; gRPC
// callers validate under the base clock-skew tolerance.
//
// Example:
//
//	server := grpc.NewServer(
//	    grpc.UnaryInterceptor(eng.UnaryServerInterceptor()),
//	)
func (e *Engine) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		result, err := e.authenticateGRPC(ctx)
		if err != nil {
			return nil, grpcStatusError(err)
		}
		return handler(ContextWithResult(ctx, result), req)
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that
// authenticates the stream's opening metadata through the engine. The
// handler receives a stream whose context carries the [AuthResult].
func (e *Engine) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		result, err := e.authenticateGRPC(ss.Context())
		if err != nil {
			return grpcStatusError(err)
		}
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          ContextWithResult(ss.Context(), result),
		}
		return handler(srv, wrapped)
	}
}

// authenticateGRPC extracts the bearer token from incoming metadata and
// runs the orchestration.
func (e *Engine) authenticateGRPC(ctx context.Context) (*AuthResult, error) {
	var raw, userAgent string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(metadataAuthorization); len(values) > 0 {
			raw = ExtractBearerToken(values[0])
		}
		if values := md.Get("user-agent"); len(values) > 0 {
			userAgent = values[0]
		}
	}
	return e.Authenticate(ctx, AuthRequest{Token: raw, UserAgent: userAgent})
}

// grpcStatusError maps a typed authentication failure to a gRPC status
// error. Token failures are Unauthenticated; retryable exchange and
// infrastructure failures are Unavailable; everything else is Internal.
// The status message carries the machine-readable code but never token
// material or a cause chain.
func grpcStatusError(err error) error {
	spErr := sperr.FromError(err)
	switch {
	case sperr.RequiresBounce(err):
		return status.Errorf(codes.Unauthenticated, "%s: %s", spErr.Code, spErr.Message)
	case sperr.IsRetryable(err):
		return status.Errorf(codes.Unavailable, "%s: %s", spErr.Code, spErr.Message)
	default:
		return status.Errorf(codes.Internal, "%s: %s", spErr.Code, spErr.Message)
	}
}

// wrappedServerStream overrides the embedded stream's context with one
// carrying the authentication result.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapper's context instead of the embedded stream's.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
