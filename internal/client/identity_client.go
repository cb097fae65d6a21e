package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
)

const (
	identityListUsersByRole = "/platform.IdentityService/ListUsersByRole"
	identityGetUserRoles    = "/platform.IdentityService/GetUserRoles"
)

// IdentityGRPCClient resolves approvers against the platform identity service.
// Requests and responses travel as google.protobuf.Struct.
type IdentityGRPCClient struct {
	conn    *grpc.ClientConn
	breaker *Breaker
	log     *logger.Logger
}

// NewIdentityGRPCClient dials the identity gRPC service.
func NewIdentityGRPCClient(addr string, timeout time.Duration, breaker BreakerConfig, log *logger.Logger) (*IdentityGRPCClient, error) {
	conn, err := dial(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &IdentityGRPCClient{
		conn:    conn,
		breaker: NewBreaker("identity", breaker, log),
		log:     log,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ResolveApproversForRole returns the user ids holding role. An empty result
// leaves the approval claimable by any holder of the role.
func (c *IdentityGRPCClient) ResolveApproversForRole(ctx context.Context, role string) ([]string, error) {
	resp, err := c.call(ctx, identityListUsersByRole, map[string]any{"role": role})
	if err != nil {
		return nil, err
	}
	return stringList(resp, "user_ids"), nil
}

// UserRoles returns the roles held by userID.
func (c *IdentityGRPCClient) UserRoles(ctx context.Context, userID string) ([]string, error) {
	resp, err := c.call(ctx, identityGetUserRoles, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return stringList(resp, "roles"), nil
}

func (c *IdentityGRPCClient) call(ctx context.Context, method string, body map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	err = c.breaker.Do(func() error {
		return c.conn.Invoke(ctx, method, req, resp)
	})
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Msg("Identity call failed")
		return nil, err
	}
	return resp, nil
}
