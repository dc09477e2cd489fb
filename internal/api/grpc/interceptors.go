package grpc

import (
	"context"
	"path"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/observability"
)

// AuthInterceptor verifies the bearer token in the "authorization"
// metadata and stores the principal in the context. Health checks pass
// through unauthenticated.
func AuthInterceptor(a *auth.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if path.Dir(info.FullMethod) != "/"+ServiceName {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		token, err := auth.BearerToken(header)
		if err != nil {
			return nil, err
		}
		p, err := a.Verify(token)
		if err != nil {
			return nil, err
		}
		return handler(auth.WithPrincipal(ctx, p), req)
	}
}

// LoggingInterceptor converts errors to gRPC statuses, recovers panics,
// logs each call and records metrics. metrics may be nil. It must be the
// outermost interceptor so errors from the others are converted too.
func LoggingInterceptor(logger logrus.FieldLogger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		requestID := requestID(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				logger.WithField("request_id", requestID).
					WithField("panic", rec).
					WithField("stack", string(debug.Stack())).
					Error("grpc handler panicked")
				resp, err = nil, status.Error(codes.Internal, "internal server error")
			}
			err = ToStatus(err)
			code := status.Code(err)

			method := path.Base(info.FullMethod)
			if metrics != nil {
				metrics.ObserveGRPC(method, code.String())
			}
			entry := logger.WithFields(logrus.Fields{
				"request_id":  requestID,
				"method":      method,
				"code":        code.String(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if code == codes.Internal || code == codes.Unknown {
				entry.Warn("grpc call failed")
			} else {
				entry.Debug("grpc call served")
			}
		}()

		_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))
		return handler(ctx, req)
	}
}

// requestID returns the caller's x-request-id or a new one.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// ToStatus maps an error to a gRPC status error. Errors that already carry
// a status are returned unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	ae, ok := apperrors.As(err)
	if !ok {
		return status.Error(codes.Internal, "internal server error")
	}

	var code codes.Code
	switch ae.Category {
	case apperrors.ErrCategoryValidation, apperrors.ErrCategoryImport:
		code = codes.InvalidArgument
	case apperrors.ErrCategoryNotFound:
		code = codes.NotFound
	case apperrors.ErrCategoryAuth:
		code = codes.Unauthenticated
		if ae.Code == apperrors.CodePermissionDenied {
			code = codes.PermissionDenied
		}
	case apperrors.ErrCategoryDatabase:
		switch ae.Code {
		case apperrors.CodeConstraint:
			code = codes.FailedPrecondition
		case apperrors.CodeLocked:
			code = codes.Unavailable
		case apperrors.CodeMalformedSQL:
			code = codes.InvalidArgument
		default:
			code = codes.Internal
		}
	default:
		code = codes.Internal
	}
	if code == codes.Internal && ae.Category != apperrors.ErrCategoryDatabase {
		return status.Error(code, "internal server error")
	}
	return status.Error(code, ae.Message)
}
