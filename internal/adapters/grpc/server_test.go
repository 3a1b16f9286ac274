package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

type fakeBackend struct {
	session  domain.Session
	balances map[uuid.UUID]float64
}

func (f *fakeBackend) ValidateToken(_ context.Context, token string) (domain.Session, ports.SessionClaims, error) {
	switch token {
	case "good":
		return f.session, ports.SessionClaims{UserID: f.session.UserID, SessionID: f.session.SessionID, DID: "did:cue:1"}, nil
	case "expired":
		return domain.Session{}, ports.SessionClaims{}, domain.ErrSessionExpired
	default:
		return domain.Session{}, ports.SessionClaims{}, domain.ErrUnauthorized
	}
}

func (f *fakeBackend) Balance(_ context.Context, userID uuid.UUID) (float64, error) {
	return f.balances[userID], nil
}

func (f *fakeBackend) PublicKeys() ([]map[string]any, error) {
	return []map[string]any{{"kid": "k1", "kty": "RSA"}}, nil
}

func dial(t *testing.T, backend Backend) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server, _ := NewServer(NewPassportInternalServer(backend))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, req any) (*structpb.Struct, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := &structpb.Struct{}
	err := conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
	return resp, err
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestPassportInternalService(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	backend := &fakeBackend{
		session: domain.Session{
			SessionID: uuid.New(),
			UserID:    userID,
			ExpiresAt: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		balances: map[uuid.UUID]float64{userID: 108.5},
	}
	conn := dial(t, backend)

	resp, err := invoke(t, conn, "ValidateSession", mustStruct(t, map[string]any{"token": "good"}))
	require.NoError(t, err)
	assert.True(t, resp.GetFields()["valid"].GetBoolValue())
	assert.Equal(t, userID.String(), resp.GetFields()["user_id"].GetStringValue())
	assert.Equal(t, "did:cue:1", resp.GetFields()["did"].GetStringValue())

	_, err = invoke(t, conn, "ValidateSession", mustStruct(t, map[string]any{"token": "expired"}))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invoke(t, conn, "ValidateSession", mustStruct(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err = invoke(t, conn, "GetBalance", mustStruct(t, map[string]any{"user_id": userID.String()}))
	require.NoError(t, err)
	assert.InDelta(t, 108.5, resp.GetFields()["balance"].GetNumberValue(), 1e-9)

	_, err = invoke(t, conn, "GetBalance", mustStruct(t, map[string]any{"user_id": "nope"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err = invoke(t, conn, "GetPublicKeys", &emptypb.Empty{})
	require.NoError(t, err)
	keys := resp.GetFields()["keys"].GetListValue().GetValues()
	require.Len(t, keys, 1)
	assert.Equal(t, "k1", keys[0].GetStructValue().GetFields()["kid"].GetStringValue())
}

func TestHealthServing(t *testing.T) {
	t.Parallel()
	conn := dial(t, &fakeBackend{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestToStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, codes.Unauthenticated, status.Code(toStatus(domain.ErrSessionRevoked)))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(domain.ErrStorageUnavailable)))
	assert.Equal(t, codes.NotFound, status.Code(toStatus(domain.ErrNotFound)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
}
