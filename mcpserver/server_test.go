package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/dispatch"
	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/executor"
	"github.com/isdmx/codejudge/jobstore"
)

// MockJobService implements JobService for testing
type MockJobService struct {
	requests      []execution.Request
	submissionIDs []*int64
	enqueueError  error
	jobs          map[string]jobstore.Job
}

func (m *MockJobService) Enqueue(_ context.Context, req execution.Request, submissionID *int64) (string, error) {
	if m.enqueueError != nil {
		return "", m.enqueueError
	}
	m.requests = append(m.requests, req)
	m.submissionIDs = append(m.submissionIDs, submissionID)
	return "job-42", nil
}

func (m *MockJobService) Status(id string) (jobstore.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return jobstore.Job{}, fmt.Errorf("%w: %s", jobstore.ErrNotFound, id)
	}
	return job, nil
}

func (m *MockJobService) Languages() []string {
	return []string{"cpp", "go", "java", "nodejs", "python"}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{Backend: "docker", TimeLimitMs: 2000, MemoryMB: 256},
		Workers: config.WorkersConfig{Count: 2, QueueSize: 16},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	svc := &MockJobService{}

	server, err := New(cfg, logger, svc)
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, svc, server.svc)
	assert.NotNil(t, server.GetMCPServer())
	assert.Nil(t, server.httpServer)
	assert.NoError(t, server.Shutdown(context.Background()))

	cfg.Server.Transport = "http"
	server, err = New(cfg, logger, svc)
	require.NoError(t, err)
	assert.NotNil(t, server.httpServer)
}

func TestHandleEnqueue(t *testing.T) {
	svc := &MockJobService{}
	server, err := New(testConfig(), zaptest.NewLogger(t), svc)
	require.NoError(t, err)

	result, err := server.handleEnqueue(context.Background(), callRequest("enqueue_code_execution", map[string]any{
		"code":            "print(1+1)",
		"language":        "python",
		"stdin":           "",
		"expected_output": "2",
		"time_limit_ms":   float64(1500),
		"memory_mb":       float64(64),
		"submission_id":   float64(8),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &body))
	assert.Equal(t, "job-42", body["job_id"])
	assert.Equal(t, "PENDING", body["status"])

	require.Len(t, svc.requests, 1)
	req := svc.requests[0]
	assert.Equal(t, "python", req.Language)
	assert.Equal(t, "print(1+1)", req.Source)
	require.NotNil(t, req.ExpectedOutput)
	assert.Equal(t, "2", *req.ExpectedOutput)
	assert.Equal(t, 1500*time.Millisecond, req.Limits.Time)
	assert.Equal(t, 64, req.Limits.MemoryMB)
	require.NotNil(t, svc.submissionIDs[0])
	assert.Equal(t, int64(8), *svc.submissionIDs[0])
}

func TestHandleEnqueueTestCases(t *testing.T) {
	svc := &MockJobService{}
	server, err := New(testConfig(), zaptest.NewLogger(t), svc)
	require.NoError(t, err)

	result, err := server.handleEnqueue(context.Background(), callRequest("enqueue_code_execution", map[string]any{
		"code":     "print(input())",
		"language": "python",
		"test_cases": []any{
			map[string]any{"input": "1", "expected_output": "1"},
			map[string]any{"input": "2"},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	req := svc.requests[0]
	require.Len(t, req.TestCases, 2)
	assert.Equal(t, "1", req.TestCases[0].Input)
	require.NotNil(t, req.TestCases[0].ExpectedOutput)
	assert.Nil(t, req.TestCases[1].ExpectedOutput)
	assert.Nil(t, req.ExpectedOutput)
	assert.Nil(t, svc.submissionIDs[0])
}

func TestHandleEnqueueErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   map[string]any
		err    error
		prefix string
	}{
		{
			name:   "MissingCode",
			args:   map[string]any{"language": "python"},
			prefix: "INVALID_REQUEST",
		},
		{
			name:   "MissingLanguage",
			args:   map[string]any{"code": "print(1)"},
			prefix: "INVALID_REQUEST",
		},
		{
			name:   "BadTestCases",
			args:   map[string]any{"code": "x", "language": "python", "test_cases": "nope"},
			prefix: "INVALID_REQUEST",
		},
		{
			name:   "UnsupportedLanguage",
			args:   map[string]any{"code": "x", "language": "cobol"},
			err:    fmt.Errorf("%w: cobol", executor.ErrUnsupportedLanguage),
			prefix: "UNSUPPORTED_LANGUAGE",
		},
		{
			name:   "QueueFull",
			args:   map[string]any{"code": "x", "language": "python"},
			err:    dispatch.ErrQueueFull,
			prefix: "QUEUE_FULL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockJobService{enqueueError: tt.err}
			server, err := New(testConfig(), zaptest.NewLogger(t), svc)
			require.NoError(t, err)

			result, err := server.handleEnqueue(context.Background(), callRequest("enqueue_code_execution", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.prefix)
			assert.Empty(t, svc.requests)
		})
	}
}

func TestHandleStatus(t *testing.T) {
	job := jobstore.Job{
		ID:       "abc",
		Status:   jobstore.StatusCompleted,
		Language: "python",
		Result:   &execution.Result{Stdout: "2\n", Verdict: execution.VerdictAccepted, Duration: 40 * time.Millisecond},
	}
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockJobService{jobs: map[string]jobstore.Job{"abc": job}})
	require.NoError(t, err)

	t.Run("Known", func(t *testing.T) {
		result, err := server.handleStatus(context.Background(), callRequest("get_execution_status", map[string]any{"job_id": "abc"}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &body))
		assert.Equal(t, "COMPLETED", body["status"])
		res := body["result"].(map[string]any)
		assert.Equal(t, "ACCEPTED", res["verdict"])
		assert.Equal(t, float64(40), res["duration_ms"])
	})

	t.Run("Unknown", func(t *testing.T) {
		result, err := server.handleStatus(context.Background(), callRequest("get_execution_status", map[string]any{"job_id": "zzz"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "NOT_FOUND")
	})

	t.Run("MissingID", func(t *testing.T) {
		result, err := server.handleStatus(context.Background(), callRequest("get_execution_status", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestHandleLanguages(t *testing.T) {
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockJobService{})
	require.NoError(t, err)

	result, err := server.handleLanguages(context.Background(), callRequest("list_languages", nil))
	require.NoError(t, err)

	var body struct {
		Languages []string `json:"languages"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &body))
	assert.Equal(t, []string{"cpp", "go", "java", "nodejs", "python"}, body.Languages)
}
