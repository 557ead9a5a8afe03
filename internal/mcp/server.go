package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"campaignd/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RunReader looks up recorded runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*core.RunRecord, error)
}

// MCPServer exposes scheduled-run operations as MCP tools.
type MCPServer struct {
	schedules *core.Schedules
	runs      RunReader
	logger    *slog.Logger
	server    *server.MCPServer
}

// NewMCPServer creates the MCP server and registers its tools.
func NewMCPServer(schedules *core.Schedules, runs RunReader, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		schedules: schedules,
		runs:      runs,
		logger:    logger,
	}
	s.server = server.NewMCPServer(
		"campaignd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler serves MCP over the streamable HTTP transport.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("campaign_schedule",
		mcp.WithDescription("Schedule a full campaign send at a future instant"),
		mcp.WithString("campaign_id",
			mcp.Required(),
			mcp.Description("Campaign ID"),
		),
		mcp.WithString("run_at",
			mcp.Required(),
			mcp.Description("RFC 3339 timestamp with offset, e.g. 2026-05-10T09:00:00+03:30"),
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("One-shot messaging service token used for this send"),
		),
	), s.handleSchedule)

	s.server.AddTool(mcp.NewTool("scheduled_runs_list",
		mcp.WithDescription("List scheduled runs, newest due time first"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("scheduled", "waiting_token", "running", "success", "failed", "canceled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of rows, default 300"),
			mcp.Min(1),
			mcp.Max(core.MaxScheduledJobList),
		),
	), s.handleList)

	s.server.AddTool(mcp.NewTool("scheduled_run_cancel",
		mcp.WithDescription("Cancel a scheduled run that has not started"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Scheduled run ID"),
		),
	), s.handleCancel)

	s.server.AddTool(mcp.NewTool("scheduled_run_rearm",
		mcp.WithDescription("Supply a fresh token for a scheduled run and optionally move its due time"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Scheduled run ID"),
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("New one-shot token"),
		),
		mcp.WithString("run_at",
			mcp.Description("New RFC 3339 due time; defaults to the current one"),
		),
	), s.handleRearm)

	s.server.AddTool(mcp.NewTool("run_get",
		mcp.WithDescription("Show a recorded run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)

	s.server.AddTool(mcp.NewTool("run_get_log",
		mcp.WithDescription("Read the captured output of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines"),
			mcp.Min(0),
		),
	), s.handleGetRunLog)

	s.logger.Info("MCP tools registered", "count", 6)
}

func (s *MCPServer) handleSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runAt, err := core.ParseRunAt(mcp.ParseString(request, "run_at", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.schedules.Schedule(ctx,
		mcp.ParseString(request, "campaign_id", ""),
		runAt,
		mcp.ParseString(request, "token", ""),
	)
	if err != nil {
		return s.toolError("schedule campaign", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scheduled run created\nID: %s\nCampaign: %s\nRun at: %s",
		job.ID, job.CampaignID, formatTime(&job.RunAt))), nil
}

func (s *MCPServer) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status *core.JobStatus
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		st := core.JobStatus(raw)
		status = &st
	}
	limit := int(mcp.ParseFloat64(request, "limit", 0))

	jobs, err := s.schedules.List(ctx, status, limit)
	if err != nil {
		return s.toolError("list scheduled runs", err), nil
	}
	if len(jobs) == 0 {
		return mcp.NewToolResultText("No scheduled runs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d scheduled runs:\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(&b, "%s [%s]\n", job.ID, job.Status)
		if job.CampaignName != nil {
			fmt.Fprintf(&b, "  Campaign: %s (%s)\n", *job.CampaignName, job.CampaignID)
		} else {
			fmt.Fprintf(&b, "  Campaign: %s\n", job.CampaignID)
		}
		if job.CustomerName != nil {
			fmt.Fprintf(&b, "  Customer: %s\n", *job.CustomerName)
		}
		fmt.Fprintf(&b, "  Run at: %s\n", formatTime(&job.RunAt))
		fmt.Fprintf(&b, "  Has token: %t\n", job.HasCredential())
		if job.LastRunID != nil {
			fmt.Fprintf(&b, "  Last run: %s\n", *job.LastRunID)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, err := s.schedules.Cancel(ctx, mcp.ParseString(request, "job_id", ""))
	if err != nil {
		return s.toolError("cancel scheduled run", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scheduled run %s\nStatus: %s", job.ID, job.Status)), nil
}

func (s *MCPServer) handleRearm(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var runAt *time.Time
	if raw := mcp.ParseString(request, "run_at", ""); raw != "" {
		parsed, err := core.ParseRunAt(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		runAt = &parsed
	}
	job, err := s.schedules.Rearm(ctx,
		mcp.ParseString(request, "job_id", ""),
		mcp.ParseString(request, "token", ""),
		runAt,
	)
	if err != nil {
		return s.toolError("rearm scheduled run", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scheduled run %s re-armed\nStatus: %s\nRun at: %s",
		job.ID, job.Status, formatTime(&job.RunAt))), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run, err := s.runs.GetRun(ctx, mcp.ParseString(request, "run_id", ""))
	if err != nil {
		return s.toolError("get run", err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", run.ID)
	fmt.Fprintf(&b, "Campaign: %s\n", run.CampaignID)
	fmt.Fprintf(&b, "Mode: %s\n", run.Mode)
	fmt.Fprintf(&b, "Status: %s\n", run.Status)
	fmt.Fprintf(&b, "Started: %s\n", formatTime(&run.StartedAt))
	fmt.Fprintf(&b, "Finished: %s\n", formatTime(run.FinishedAt))
	if run.Result != nil {
		fmt.Fprintf(&b, "Result: %s\n", run.Result.Marshal())
	}
	fmt.Fprintf(&b, "Log: %s\n", run.LogPath)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run, err := s.runs.GetRun(ctx, mcp.ParseString(request, "run_id", ""))
	if err != nil {
		return s.toolError("get run", err), nil
	}
	content, err := core.ReadRunLog(run.LogPath, int(mcp.ParseFloat64(request, "tail", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read log: %v", err)), nil
	}
	return mcp.NewToolResultText(string(content)), nil
}

func (s *MCPServer) toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrMissingDependency), errors.Is(err, core.ErrCredentialRequired),
		errors.Is(err, core.ErrJobRunning), errors.Is(err, core.ErrJobTerminal):
	default:
		s.logger.Error(action, "err", err)
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
