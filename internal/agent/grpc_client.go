package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// AgentServiceName is the gRPC service exposed by the external agent.
	AgentServiceName = "arcan.agent.v1.AgentService"
	invokeMethod     = "/" + AgentServiceName + "/Invoke"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentResponse            = errors.New("agent service returned error")
	errAgentNotServing          = errors.New("agent service not serving")
)

// GrpcProcessor calls an external agent service over gRPC. Messages are google.protobuf.Struct
// values so the service needs no shared generated code:
//
//	request:  {user_id, input, system_prompt, chat_history: [{role, content}]}
//	response: {output, tools_used: [string], model, error}
type GrpcProcessor struct {
	conn   *grpc.ClientConn
	addr   string
	cfg    GrpcProcessorConfig
	health healthpb.HealthClient
	logger *slog.Logger
}

// GrpcProcessorConfig holds configuration for the gRPC client.
type GrpcProcessorConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcProcessorConfig returns default configuration.
func DefaultGrpcProcessorConfig() GrpcProcessorConfig {
	return GrpcProcessorConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcProcessor connects to the external agent service. Extra dial options are appended
// after the defaults.
func NewGrpcProcessor(ctx context.Context, cfg GrpcProcessorConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultGrpcProcessorConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)

	return &GrpcProcessor{
		conn:   conn,
		addr:   cfg.Address,
		cfg:    cfg,
		health: healthpb.NewHealthClient(conn),
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name returns the provider identifier.
func (c *GrpcProcessor) Name() string {
	return ProviderGrpc
}

// Close closes the gRPC connection.
func (c *GrpcProcessor) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close grpc connection: %w", err)
	}
	return nil
}

// Health checks if the agent service reports SERVING.
func (c *GrpcProcessor) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AgentServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errAgentNotServing, resp.GetStatus())
	}
	return nil
}

// Invoke sends one turn to the agent service.
func (c *GrpcProcessor) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	in, err := encodeInvokeRequest(req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Invoking agent via gRPC", "user_id", req.UserID, "history", len(req.History))

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, invokeMethod, in, out); err != nil {
		return nil, fmt.Errorf("agent invoke: %w", err)
	}
	return decodeInvokeResponse(out)
}

func encodeInvokeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}

	s, err := structpb.NewStruct(map[string]any{
		"user_id":       req.UserID,
		"input":         req.Input,
		"system_prompt": req.SystemPrompt,
		"chat_history":  history,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}
	return s, nil
}

func decodeInvokeResponse(s *structpb.Struct) (*Result, error) {
	fields := s.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("%w: %s", errAgentResponse, msg)
	}

	res := &Result{
		Output: fields["output"].GetStringValue(),
		Model:  fields["model"].GetStringValue(),
	}
	for _, v := range fields["tools_used"].GetListValue().GetValues() {
		if name := v.GetStringValue(); name != "" {
			res.ToolsUsed = append(res.ToolsUsed, name)
		}
	}
	if res.Output == "" {
		return nil, ErrEmptyResponse
	}
	return res, nil
}
