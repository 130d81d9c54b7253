package main

import (
	"context"
	"errors"
	"log/slog"
	"net"

	api "github.com/nixpig/jobbridge/api/v1"
	"github.com/nixpig/jobbridge/internal/bridge"
	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/nixpig/jobbridge/internal/log"
	"github.com/nixpig/jobbridge/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type grpcServer struct {
	api.UnimplementedBridgeServiceServer

	submitter  *bridge.Submitter
	controller *bridge.Controller
	logger     *slog.Logger
	grpcServer *grpc.Server

	// baseCtx is cancelled at shutdown to end in-flight streams.
	baseCtx context.Context
}

func newGRPCServer(
	baseCtx context.Context,
	submitter *bridge.Submitter,
	controller *bridge.Controller,
	logger *slog.Logger,
	tlsFiles tlsFiles,
) (*grpcServer, error) {
	creds, err := loadTLSCreds(tlsFiles)
	if err != nil {
		return nil, err
	}

	s := &grpcServer{
		submitter:  submitter,
		controller: controller,
		logger:     logger,
		baseCtx:    baseCtx,
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(contextCheckUnaryInterceptor),
		grpc.StreamInterceptor(contextCheckStreamInterceptor),
		grpc.Creds(creds),
	)

	api.RegisterBridgeServiceServer(s.grpcServer, s)

	return s, nil
}

func (s *grpcServer) serve(listener net.Listener) error {
	s.logger.Info("grpc server listening", "addr", listener.Addr().String())

	if err := s.grpcServer.Serve(listener); err != nil &&
		!errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

// shutdown waits for in-flight calls to finish until ctx is done, then
// forcibly closes the remaining ones.
func (s *grpcServer) shutdown(ctx context.Context) {
	stopped := make(chan struct{})

	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out")
		s.grpcServer.Stop()
		<-stopped
	}
}

func (s *grpcServer) SubmitJob(
	ctx context.Context,
	req *api.SubmitJobRequest,
) (*api.SubmitJobResponse, error) {
	ctx = log.ContextAttrs(ctx, slog.String("transport", "grpc"))

	id, err := s.submitter.Submit(ctx, bridge.SubmitRequest{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		Text:             req.Text,
		Mode:             req.Mode,
		LoopDepth:        req.LoopDepth,
		AllowMemoryWrite: req.AllowMemoryWrite,
	})
	if err != nil {
		return nil, s.mapError(ctx, "submit job", err)
	}

	return &api.SubmitJobResponse{JobID: id}, nil
}

func (s *grpcServer) StreamJob(
	req *api.StreamJobRequest,
	stream api.StreamJobServer,
) error {
	if req.JobID == "" {
		return status.Error(codes.InvalidArgument, "job id is empty")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.String("transport", "grpc"))

	if _, err := s.controller.Stream(ctx, req.JobID, &grpcSink{stream}); err != nil {
		return s.mapError(ctx, "stream job", err)
	}

	return nil
}

// mapError translates bridge errors to gRPC errors.
func (s *grpcServer) mapError(ctx context.Context, logMsg string, err error) error {
	switch {
	case errors.Is(err, bridge.ErrJobNotFound):
		s.logger.WarnContext(ctx, logMsg, "err", err)
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, bridge.ErrTextRequired), errors.Is(err, bridge.ErrInvalidMode):
		s.logger.WarnContext(ctx, logMsg, "err", err)
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()

	default:
		s.logger.ErrorContext(ctx, logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// grpcSink delivers events on a StreamJob call.
type grpcSink struct {
	stream api.StreamJobServer
}

func (g *grpcSink) Open() error {
	return g.stream.SendHeader(metadata.MD{})
}

func (g *grpcSink) Send(ev event.Event) error {
	return g.stream.Send(ev)
}

// Close is a no-op; the call ends when the handler returns.
func (g *grpcSink) Close() error {
	return nil
}

// loadTLSCreds returns TLS credentials when a key pair is configured, with
// client verification when a CA is configured too. Otherwise the server is
// plaintext.
func loadTLSCreds(files tlsFiles) (credentials.TransportCredentials, error) {
	tc := &tlsconfig.Config{
		CertPath:   files.Cert,
		KeyPath:    files.Key,
		CACertPath: files.CA,
		Server:     true,
	}

	if !tc.Enabled() {
		return insecure.NewCredentials(), nil
	}

	tlsConfig, err := tlsconfig.SetupTLS(tc)
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

// contextCheckStreamInterceptor rejects streams with a cancelled context.
func contextCheckStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if err := ss.Context().Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	return handler(srv, ss)
}
