package grpc

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

const serviceName = "viralforge.passport.v1.PassportInternalService"

// Backend is what sibling services may ask of the passport: session checks, balances and
// the token verification keys.
type Backend interface {
	ValidateToken(ctx context.Context, token string) (domain.Session, ports.SessionClaims, error)
	Balance(ctx context.Context, userID uuid.UUID) (float64, error)
	PublicKeys() ([]map[string]any, error)
}

type PassportInternalService interface {
	ValidateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPublicKeys(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type PassportInternalServer struct {
	backend Backend
}

func NewPassportInternalServer(backend Backend) *PassportInternalServer {
	return &PassportInternalServer{backend: backend}
}

// NewServer builds a gRPC server with tracing and the standard health service, and
// registers svc on it.
func NewServer(svc PassportInternalService, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	server := grpc.NewServer(opts...)
	Register(server, svc)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return server, healthServer
}

func Register(server grpc.ServiceRegistrar, svc PassportInternalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*PassportInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ValidateSession",
				Handler:    unary("ValidateSession", func() *structpb.Struct { return &structpb.Struct{} }, svc.ValidateSession),
			},
			{
				MethodName: "GetBalance",
				Handler:    unary("GetBalance", func() *structpb.Struct { return &structpb.Struct{} }, svc.GetBalance),
			},
			{
				MethodName: "GetPublicKeys",
				Handler:    unary("GetPublicKeys", func() *emptypb.Empty { return &emptypb.Empty{} }, svc.GetPublicKeys),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "passport/v1/passport_internal.proto",
	}, svc)
}

func (s *PassportInternalServer) ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := req.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}

	session, claims, err := s.backend.ValidateToken(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(map[string]any{
		"valid":      true,
		"user_id":    session.UserID.String(),
		"session_id": session.SessionID.String(),
		"did":        claims.DID,
		"expires_at": session.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *PassportInternalServer) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := uuid.Parse(req.GetFields()["user_id"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid user_id")
	}
	balance, err := s.backend.Balance(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(map[string]any{
		"user_id": userID.String(),
		"balance": balance,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *PassportInternalServer) GetPublicKeys(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	keys, err := s.backend.PublicKeys()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get keys: %v", err)
	}
	list := make([]any, 0, len(keys))
	for _, key := range keys {
		list = append(list, key)
	}
	resp, err := structpb.NewStruct(map[string]any{
		"keys": list,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		return status.Error(codes.Unavailable, "storage unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

type methodHandler = func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error)

func unary[Req any](method string, newReq func() Req, call func(context.Context, Req) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(Req)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
