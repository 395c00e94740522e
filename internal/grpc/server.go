package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/loveretold/recording/internal/config"
	"github.com/loveretold/recording/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes a session.Store over gRPC
type Server struct {
	config     *config.GRPCConfig
	grpcServer *grpc.Server
	store      session.Store
	logger     *zap.Logger
	serviceID  string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Config *config.GRPCConfig
	Store  session.Store
	Logger *zap.Logger
}

// NewServer creates a new gRPC server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("grpc config is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		config:    cfg.Config,
		store:     cfg.Store,
		logger:    cfg.Logger.Named("grpc"),
		serviceID: uuid.New().String(),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime.Std(),
			Timeout: s.config.KeepaliveTimeout.Std(),
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.logCalls),
	}
	s.grpcServer = grpc.NewServer(opts...)
	RegisterSessionStatusServer(s.grpcServer, s)
	return s, nil
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address(), err)
	}
	return s.Serve(listener)
}

// Serve serves requests on lis
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server starting",
		zap.String("address", lis.Addr().String()),
		zap.String("service_id", s.serviceID))
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.grpcServer.Stop()
		s.logger.Warn("gRPC server forced to stop")
	}
	return nil
}

// ServiceID returns the service ID
func (s *Server) ServiceID() string {
	return s.serviceID
}

// GetSession returns the stored record for a session
func (s *Server) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}

	rec, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.encode(rec)
}

// UpdateSession merges an update into a session and returns the result
func (s *Server) UpdateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req updateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if req.Update.Status != "" && !req.Update.Status.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", req.Update.Status)
	}

	if err := s.store.Update(ctx, req.SessionID, req.Update); err != nil {
		return nil, toStatus(err)
	}
	rec, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.encode(rec)
}

func (s *Server) encode(rec *session.Record) (*structpb.Struct, error) {
	out, err := toStruct(rec)
	if err != nil {
		s.logger.Error("Failed to encode session record", zap.String("session_id", rec.SessionID), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode session record")
	}
	return out, nil
}

// logCalls logs every unary call with its outcome
func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("latency", time.Since(start)),
	}
	switch status.Code(err) {
	case codes.OK, codes.NotFound, codes.InvalidArgument:
		s.logger.Debug("rpc", fields...)
	default:
		s.logger.Warn("rpc", append(fields, zap.Error(err))...)
	}
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
