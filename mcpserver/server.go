package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/jobstore"
	"github.com/isdmx/codejudge/judge"
)

// JobService is the part of judge.Service the tools call.
type JobService interface {
	Enqueue(ctx context.Context, req execution.Request, submissionID *int64) (string, error)
	Status(id string) (jobstore.Job, error)
	Languages() []string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	svc        JobService
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, svc JobService) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		svc:    svc,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.time_limit_ms", cfg.Sandbox.TimeLimitMs),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Int("workers.count", cfg.Workers.Count),
		zap.Int("workers.queue_size", cfg.Workers.QueueSize),
		zap.String("submissions.driver", cfg.Submissions.Driver),
		zap.Bool("nats.enabled", cfg.NATS.Enabled),
		zap.Strings("languages", svc.Languages()),
	)

	s.mcpServer = server.NewMCPServer("codejudge", "1.0.0", server.WithToolCapabilities(false))
	s.registerEnqueueTool()
	s.registerStatusTool()
	s.registerLanguagesTool()

	if cfg.Server.Transport == "http" {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}
	return s, nil
}

func (s *MCPServer) registerEnqueueTool() {
	tool := mcp.NewTool("enqueue_code_execution",
		mcp.WithDescription("Queue untrusted code for sandboxed execution and return a job id to poll"),
		mcp.WithString("code", mcp.Required(), mcp.Description("User-provided source code")),
		mcp.WithString("language", mcp.Required(),
			mcp.Description("Runtime language"),
			mcp.Enum(s.svc.Languages()...)),
		mcp.WithString("stdin", mcp.Description("Standard input for the program")),
		mcp.WithString("expected_output", mcp.Description("Expected output; when present the run is judged")),
		mcp.WithNumber("time_limit_ms", mcp.Description("Run time limit in milliseconds (optional)")),
		mcp.WithNumber("memory_mb", mcp.Description("Memory limit in megabytes (optional)")),
		mcp.WithNumber("submission_id", mcp.Description("Submission record that receives the verdict (optional)")),
		mcp.WithArray("test_cases",
			mcp.Description("Cases run in order; judging stops at the first failing case"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input":           map[string]any{"type": "string"},
					"expected_output": map[string]any{"type": "string"},
				},
			})),
	)
	s.mcpServer.AddTool(tool, s.handleEnqueue)
}

func (s *MCPServer) registerStatusTool() {
	tool := mcp.NewTool("get_execution_status",
		mcp.WithDescription("Return the status and, once finished, the result of an execution job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by enqueue_code_execution")),
	)
	s.mcpServer.AddTool(tool, s.handleStatus)
}

func (s *MCPServer) registerLanguagesTool() {
	tool := mcp.NewTool("list_languages",
		mcp.WithDescription("List the supported languages"),
	)
	s.mcpServer.AddTool(tool, s.handleLanguages)
}

// requestFromArgs builds the execution request and optional submission id
// from tool arguments.
func requestFromArgs(request mcp.CallToolRequest) (execution.Request, *int64, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return execution.Request{}, nil, fmt.Errorf("%w: code parameter is required", execution.ErrInvalidRequest)
	}
	language, err := request.RequireString("language")
	if err != nil {
		return execution.Request{}, nil, fmt.Errorf("%w: language parameter is required", execution.ErrInvalidRequest)
	}

	req := execution.Request{
		Language: language,
		Source:   code,
		Stdin:    request.GetString("stdin", ""),
		Limits: execution.Limits{
			Time:     time.Duration(request.GetInt("time_limit_ms", 0)) * time.Millisecond,
			MemoryMB: request.GetInt("memory_mb", 0),
		},
	}

	args := request.GetArguments()
	if expected, ok := args["expected_output"].(string); ok {
		req.ExpectedOutput = &expected
	}
	if raw, ok := args["test_cases"]; ok && raw != nil {
		// Arguments arrive as generic JSON values.
		data, err := json.Marshal(raw)
		if err != nil {
			return execution.Request{}, nil, fmt.Errorf("%w: test_cases: %v", execution.ErrInvalidRequest, err)
		}
		if err := json.Unmarshal(data, &req.TestCases); err != nil {
			return execution.Request{}, nil, fmt.Errorf("%w: test_cases: %v", execution.ErrInvalidRequest, err)
		}
	}

	var submissionID *int64
	if _, ok := args["submission_id"]; ok {
		id := int64(request.GetInt("submission_id", 0))
		submissionID = &id
	}
	return req, submissionID, nil
}

func (s *MCPServer) handleEnqueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, submissionID, err := requestFromArgs(request)
	if err != nil {
		return errorResult(err), nil
	}

	jobID, err := s.svc.Enqueue(ctx, req, submissionID)
	if err != nil {
		s.logger.Info("enqueue rejected",
			zap.String("language", req.Language),
			zap.Error(err))
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"job_id": jobID,
		"status": jobstore.StatusPending,
	})
}

func (s *MCPServer) handleStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return errorResult(fmt.Errorf("%w: job_id parameter is required", execution.ErrInvalidRequest)), nil
	}
	job, err := s.svc.Status(jobID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(job)
}

func (s *MCPServer) handleLanguages(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"languages": s.svc.Languages()})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(err error) *mcp.CallToolResult {
	code := judge.ErrorCode(err)
	msg := err.Error()
	if code == judge.CodeInternal {
		msg = "internal error"
	}
	return mcp.NewToolResultError(code + ": " + msg)
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		return errors.New("server was not configured for the http transport")
	}
	err := s.httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport. Stdio ends with its input stream.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
