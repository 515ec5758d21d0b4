package mcp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"opsched/internal/kinds"
	"opsched/internal/sched"
)

func newTestServer(t *testing.T) *MCPServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sched.New(&sched.Settings{MaxCores: 1})
	if err != nil {
		t.Fatalf("sched.New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	factory := kinds.NewFactory(kinds.NewRegistry(), s, kinds.Defaults{Priority: 1, DeadlineAfter: time.Minute, MaxRunDuration: time.Minute}, logger)
	return NewMCPServer(factory, logger, time.UTC)
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func TestCreateTask_Tool(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, err := srv.handleCreateTask(ctx, callTool("sched_create_task", map[string]any{
		"kind":      "counter",
		"priority":  float64(4),
		"resources": "mem://a, mem://b",
		"params":    `{"target": 1000, "step_ms": 10}`,
		"start":     false,
	}))
	if err != nil || res.IsError {
		t.Fatalf("create = %v, %v", resultText(t, res), err)
	}
	tasks := srv.scheduler.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	info := tasks[0].Info()
	if info.Priority != 4 || info.Status != sched.StatusCreated || len(info.Resources) != 2 {
		t.Errorf("task = %+v, want priority 4, created, 2 resources", info)
	}
	if !strings.Contains(resultText(t, res), info.ID) {
		t.Errorf("result does not name the task id")
	}

	bad, _ := srv.handleCreateTask(ctx, callTool("sched_create_task", map[string]any{"kind": "counter", "params": "{"}))
	if !bad.IsError {
		t.Error("invalid params JSON should be a tool error")
	}
	unknown, _ := srv.handleCreateTask(ctx, callTool("sched_create_task", map[string]any{"kind": "shell"}))
	if !unknown.IsError {
		t.Error("unknown kind should be a tool error")
	}
}

// TestLifecycleTools verifies start and stop through the MCP tools.
// Given: a created counter task
// When: sched_start_task then sched_stop_task are called
// Then: the task runs and ends canceled; a second stop is reported as an error
func TestLifecycleTools(t *testing.T) {
	// Arrange
	srv := newTestServer(t)
	ctx := context.Background()
	task, err := srv.factory.Create(kinds.Request{Kind: sched.KindCounter, Params: []byte(`{"target":100000,"step_ms":10}`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	start := srv.lifecycle("start", (*sched.Task).Start)
	stop := srv.lifecycle("stop", (*sched.Task).Stop)
	args := map[string]any{"task_id": task.ID()}

	// Act
	if res, _ := start(ctx, callTool("sched_start_task", args)); res.IsError {
		t.Fatalf("start = %s", resultText(t, res))
	}
	deadline := time.Now().Add(5 * time.Second)
	for task.Status() != sched.StatusRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res, _ := stop(ctx, callTool("sched_stop_task", args))

	// Assert
	if res.IsError {
		t.Fatalf("stop = %s", resultText(t, res))
	}
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish after stop")
	}
	if task.Status() != sched.StatusCanceled {
		t.Errorf("status = %s, want canceled", task.Status())
	}
	if again, _ := stop(ctx, callTool("sched_stop_task", args)); !again.IsError {
		t.Error("stopping a canceled task should be a tool error")
	}
	if missing, _ := stop(ctx, callTool("sched_stop_task", map[string]any{"task_id": "nope"})); !missing.IsError {
		t.Error("unknown task should be a tool error")
	}
}

func TestListAndGetTools(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	empty, _ := srv.handleListTasks(ctx, callTool("sched_list_tasks", nil))
	if resultText(t, empty) != "No tasks found" {
		t.Errorf("empty list = %q", resultText(t, empty))
	}

	task, err := srv.factory.Create(kinds.Request{Kind: sched.KindCounter, Resources: []string{"mem://x"}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	list, _ := srv.handleListTasks(ctx, callTool("sched_list_tasks", map[string]any{"scheduled": true}))
	if !strings.Contains(resultText(t, list), task.ID()) {
		t.Errorf("list = %q, want task id", resultText(t, list))
	}
	got, _ := srv.handleGetTask(ctx, callTool("sched_get_task", map[string]any{"task_id": task.ID()}))
	if text := resultText(t, got); !strings.Contains(text, "Status: created") || !strings.Contains(text, "mem://x") {
		t.Errorf("get = %q", text)
	}
	resources, _ := srv.handleListResources(ctx, callTool("sched_list_resources", nil))
	if text := resultText(t, resources); !strings.Contains(text, "mem://x  holder: free  waiters: 0") {
		t.Errorf("resources = %q", text)
	}
}

func TestCronPreviewTool(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.handleCronPreview(context.Background(), callTool("cron_preview", map[string]any{"cron": "*/5 * * * *", "count": float64(3)}))
	if res.IsError {
		t.Fatalf("preview = %s", resultText(t, res))
	}
	if text := resultText(t, res); strings.Count(text, "\n  ") != 3 {
		t.Errorf("preview = %q, want 3 fire times", text)
	}
	bad, _ := srv.handleCronPreview(context.Background(), callTool("cron_preview", map[string]any{"cron": "bogus"}))
	if !bad.IsError {
		t.Error("invalid cron should be a tool error")
	}
}
