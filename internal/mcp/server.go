package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"opsched/internal/kinds"
	"opsched/internal/sched"
	"opsched/internal/trigger"
)

const serverVersion = "1.0.0"

// MCPServer exposes the scheduler as MCP tools.
type MCPServer struct {
	factory   *kinds.Factory
	scheduler *sched.Scheduler
	logger    *slog.Logger
	location  *time.Location

	srv  *server.MCPServer
	http *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(factory *kinds.Factory, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		factory:   factory,
		scheduler: factory.Scheduler(),
		logger:    logger,
		location:  location,
	}
	s.srv = server.NewMCPServer(
		"opsched",
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.srv)
	s.http = server.NewStreamableHTTPServer(s.srv)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// ServeHTTP serves MCP over streamable HTTP.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	taskID := mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("Task ID"),
	)

	mcpServer.AddTool(mcp.NewTool("sched_create_task",
		mcp.WithDescription("Create a task and file it into the scheduler. Higher priority runs first and may preempt lower-priority running tasks."),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Task kind"),
			mcp.Enum(kindNames()...),
		),
		mcp.WithNumber("priority",
			mcp.Description("Priority, higher runs first"),
		),
		mcp.WithString("deadline_after",
			mcp.Description("Deadline relative to now, e.g. '10m'"),
		),
		mcp.WithString("max_run_duration",
			mcp.Description("Total run-time budget, e.g. '30s'"),
		),
		mcp.WithString("resources",
			mcp.Description("Comma-separated resource URIs the task may lock"),
		),
		mcp.WithString("params",
			mcp.Description(`Kind parameters as JSON, e.g. {"target":100} for counter or {"inputs":["/data/a.wav"]} for fft`),
		),
		mcp.WithBoolean("start",
			mcp.Description("Start the task right away, default true"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("sched_list_tasks",
		mcp.WithDescription("List tasks known to the scheduler"),
		mcp.WithBoolean("scheduled",
			mcp.Description("Only queued tasks, in dispatch order"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("sched_get_task",
		mcp.WithDescription("Show one task"),
		taskID,
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("sched_start_task",
		mcp.WithDescription("Start a created task"),
		taskID,
	), s.lifecycle("start", (*sched.Task).Start))

	mcpServer.AddTool(mcp.NewTool("sched_pause_task",
		mcp.WithDescription("Pause a running task; it keeps its state and can be continued"),
		taskID,
	), s.lifecycle("pause", (*sched.Task).Pause))

	mcpServer.AddTool(mcp.NewTool("sched_continue_task",
		mcp.WithDescription("Continue a paused task"),
		taskID,
	), s.lifecycle("continue", (*sched.Task).Continue))

	mcpServer.AddTool(mcp.NewTool("sched_stop_task",
		mcp.WithDescription("Stop a running or queued task permanently"),
		taskID,
	), s.lifecycle("stop", (*sched.Task).Stop))

	mcpServer.AddTool(mcp.NewTool("sched_list_resources",
		mcp.WithDescription("List registered resources with their holder and waiters"),
	), s.handleListResources)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Debug("MCP tools registered", "count", 9)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := kinds.Request{
		Kind:           sched.Kind(mcp.ParseString(request, "kind", "")),
		DeadlineAfter:  mcp.ParseString(request, "deadline_after", ""),
		MaxRunDuration: mcp.ParseString(request, "max_run_duration", ""),
		Start:          mcp.ParseBoolean(request, "start", true),
	}
	if _, ok := request.GetArguments()["priority"]; ok {
		p := int(mcp.ParseFloat64(request, "priority", 0))
		req.Priority = &p
	}
	for _, uri := range strings.Split(mcp.ParseString(request, "resources", ""), ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			req.Resources = append(req.Resources, uri)
		}
	}
	if params := strings.TrimSpace(mcp.ParseString(request, "params", "")); params != "" {
		if !json.Valid([]byte(params)) {
			return mcp.NewToolResultError("params must be valid JSON"), nil
		}
		req.Params = json.RawMessage(params)
	}

	task, err := s.factory.Create(req)
	if err != nil && task == nil {
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task %s created but not started: %v", task.ID(), err)), nil
	}
	return mcp.NewToolResultText("Task created\n" + formatTask(task.Info())), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tasks []*sched.Task
	if mcp.ParseBoolean(request, "scheduled", false) {
		tasks = s.scheduler.GetScheduledTasks()
	} else {
		tasks = s.scheduler.Tasks()
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		info := t.Info()
		fmt.Fprintf(&b, "%s %s  %s  priority %d  %.0f%%\n", statusToIcon(info.Status), info.ID, kindName(info.Kind), info.Priority, info.Progress)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	task, ok := s.scheduler.Task(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", id)), nil
	}
	return mcp.NewToolResultText(formatTask(task.Info())), nil
}

func (s *MCPServer) lifecycle(verb string, action func(*sched.Task) error) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "task_id", "")
		task, ok := s.scheduler.Task(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", id)), nil
		}
		if err := action(task); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s task failed: %v", verb, err)), nil
		}
		s.logger.Info("task "+verb+" via mcp", "task_id", id)
		return mcp.NewToolResultText(fmt.Sprintf("Task %s: %s requested, status %s", id, verb, task.Status())), nil
	}
}

func (s *MCPServer) handleListResources(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resources := s.scheduler.Resources()
	if len(resources) == 0 {
		return mcp.NewToolResultText("No resources registered"), nil
	}
	var b strings.Builder
	for _, r := range resources {
		holder := r.Holder
		if holder == "" {
			holder = "free"
		}
		fmt.Fprintf(&b, "%s  holder: %s  waiters: %d\n", r.URI, holder, r.Waiters)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := trigger.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}

	nextTimes := trigger.NextOccurrences(schedule, time.Now().In(s.location), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTask(info sched.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", statusToIcon(info.Status), info.ID)
	fmt.Fprintf(&b, "  Kind: %s\n", kindName(info.Kind))
	fmt.Fprintf(&b, "  Status: %s\n", info.Status)
	fmt.Fprintf(&b, "  Priority: %d\n", info.Priority)
	fmt.Fprintf(&b, "  Progress: %.0f%%\n", info.Progress)
	fmt.Fprintf(&b, "  Deadline: %s\n", info.Deadline.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "  Run time: %s of %s\n", info.TotalRunDuration.Round(time.Millisecond), info.MaxRunDuration)
	if len(info.Resources) > 0 {
		fmt.Fprintf(&b, "  Resources: %s\n", strings.Join(info.Resources, ", "))
	}
	if info.Error != "" {
		fmt.Fprintf(&b, "  Error: %s\n", info.Error)
	}
	return b.String()
}

func kindName(k sched.Kind) string {
	if k == "" {
		return "-"
	}
	return string(k)
}

func kindNames() []string {
	names := make([]string, 0, len(sched.Kinds))
	for _, k := range sched.Kinds {
		names = append(names, string(k))
	}
	return names
}

func statusToIcon(status sched.Status) string {
	switch status {
	case sched.StatusRanToCompletion:
		return "✅"
	case sched.StatusFaulted:
		return "❌"
	case sched.StatusCanceled:
		return "🚫"
	case sched.StatusRunning:
		return "▶️"
	case sched.StatusWaitingForActivation:
		return "⏳"
	case sched.StatusCreated:
		return "⏸️"
	default:
		return "❓"
	}
}
