package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loveretold/recording/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultCallTimeout = 5 * time.Second

// Client is a session.Store backed by a remote SessionStatus service
type Client struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	timeout time.Duration
	logger  *zap.Logger
}

var _ session.Store = (*Client)(nil)

// NewClient connects to the session status service at address
func NewClient(address string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if address == "" {
		return nil, errors.New("session service address is required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session service (%s): %w", address, err)
	}
	c := NewClientWithConn(conn, timeout, logger)
	c.conn = conn
	return c, nil
}

// NewClientWithConn wraps an existing connection
func NewClientWithConn(cc grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cc: cc, timeout: timeout, logger: logger}
}

// Close closes the connection if the client owns it
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Get fetches a session record; a missing session is session.ErrNotFound
func (c *Client) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	in, err := toStruct(getRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, getSessionMethod, in)
	if err != nil {
		return nil, err
	}

	var rec session.Record
	if err := fromStruct(out, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update merges update into the remote record
func (c *Client) Update(ctx context.Context, sessionID string, update session.Update) error {
	in, err := toStruct(updateRequest{SessionID: sessionID, Update: update})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, updateSessionMethod, in)
	return err
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, status.Convert(err).Message())
		}
		c.logger.Warn("Session service call failed", zap.String("method", method), zap.Error(err))
		return nil, fmt.Errorf("session service %s: %w", method, err)
	}
	return out, nil
}
