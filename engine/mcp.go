package engine

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/kit"
)

// RegisterMCP registers the job and analytics tools on srv. Every tool is
// scoped to the user_id argument.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	userProp := map[string]any{"type": "string", "description": "Owner of the jobs"}
	jobProp := map[string]any{"type": "string", "description": "Job ID"}

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_enqueue",
		Description: "Queue an automation job (like_posts, comment_posts, ai_comment, send_connections, view_profiles, follow_up).",
		InputSchema: kit.InputSchema(map[string]any{
			"user_id":      userProp,
			"kind":         map[string]any{"type": "string", "enum": kindNames()},
			"params":       map[string]any{"type": "object", "description": "Kind-specific parameters"},
			"priority":     map[string]any{"type": "integer", "minimum": 0, "maximum": core.MaxPriority},
			"max_attempts": map[string]any{"type": "integer", "minimum": 1, "maximum": core.MaxAttemptsLimit},
		}, "user_id", "kind", "params"),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*enqueueArgs)
		id, err := e.Enqueue(ctx, kit.GetUserID(ctx), core.JobSpec{
			Kind: r.Kind, Params: r.Params, Priority: r.Priority, MaxAttempts: r.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id}, nil
	}, kit.DecodeJSON(func(r *enqueueArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_cancel",
		Description: "Cancel a pending or running job.",
		InputSchema: kit.InputSchema(map[string]any{"user_id": userProp, "job_id": jobProp}, "user_id", "job_id"),
	}, func(ctx context.Context, req any) (any, error) {
		st, err := e.Cancel(ctx, kit.GetUserID(ctx), req.(*jobArgs).JobID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": string(st)}, nil
	}, kit.DecodeJSON(func(r *jobArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_get_job",
		Description: "Get a job with its status, attempts and result.",
		InputSchema: kit.InputSchema(map[string]any{"user_id": userProp, "job_id": jobProp}, "user_id", "job_id"),
	}, func(ctx context.Context, req any) (any, error) {
		return e.GetJob(ctx, kit.GetUserID(ctx), req.(*jobArgs).JobID)
	}, kit.DecodeJSON(func(r *jobArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_list_jobs",
		Description: "List a user's jobs, newest first.",
		InputSchema: kit.InputSchema(map[string]any{
			"user_id": userProp,
			"status":  map[string]any{"type": "string"},
			"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
		}, "user_id"),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*listArgs)
		f := core.JobFilter{Limit: r.Limit}
		if r.Status != "" {
			f.Statuses = []core.JobStatus{r.Status}
		}
		jobs, err := e.ListJobs(ctx, kit.GetUserID(ctx), f)
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs}, nil
	}, kit.DecodeJSON(func(r *listArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_daily_usage",
		Description: "Daily counters for a user. date is YYYY-MM-DD (UTC), default today.",
		InputSchema: kit.InputSchema(map[string]any{
			"user_id": userProp,
			"date":    map[string]any{"type": "string"},
		}, "user_id"),
	}, func(ctx context.Context, req any) (any, error) {
		return e.DailyUsage(ctx, kit.GetUserID(ctx), req.(*usageArgs).Date)
	}, kit.DecodeJSON(func(r *usageArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_queue_stats",
		Description: "Job counts by status and remaining daily budget.",
		InputSchema: kit.InputSchema(map[string]any{"user_id": userProp}, "user_id"),
	}, func(ctx context.Context, _ any) (any, error) {
		return e.QueueStats(ctx, kit.GetUserID(ctx))
	}, kit.DecodeJSON(func(r *userArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_dashboard",
		Description: "Today's counters, 7-day totals and success rate.",
		InputSchema: kit.InputSchema(map[string]any{"user_id": userProp}, "user_id"),
	}, func(ctx context.Context, _ any) (any, error) {
		return e.Dashboard(ctx, kit.GetUserID(ctx))
	}, kit.DecodeJSON(func(r *userArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_weekly_report",
		Description: "Per-day breakdown of the last 7 days.",
		InputSchema: kit.InputSchema(map[string]any{"user_id": userProp}, "user_id"),
	}, func(ctx context.Context, _ any) (any, error) {
		return e.WeeklyReport(ctx, kit.GetUserID(ctx))
	}, kit.DecodeJSON(func(r *userArgs) string { return r.UserID }))

	e.tool(srv, &mcp.Tool{
		Name:        "snaplinked_session_status",
		Description: "State of the user's LinkedIn browser session.",
		InputSchema: kit.InputSchema(map[string]any{"user_id": userProp}, "user_id"),
	}, func(ctx context.Context, _ any) (any, error) {
		return e.SessionStatus(ctx, kit.GetUserID(ctx))
	}, kit.DecodeJSON(func(r *userArgs) string { return r.UserID }))
}

func (e *Engine) tool(srv *mcp.Server, t *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(kit.Logging(e.logger, t.Name), kit.RequireUser())
	kit.RegisterMCPTool(srv, t, mw(ep), decode)
}

type userArgs struct {
	UserID string `json:"user_id"`
}

type jobArgs struct {
	UserID string `json:"user_id"`
	JobID  string `json:"job_id"`
}

type enqueueArgs struct {
	UserID      string          `json:"user_id"`
	Kind        core.JobKind    `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Priority    *int            `json:"priority"`
	MaxAttempts *int            `json:"max_attempts"`
}

type listArgs struct {
	UserID string         `json:"user_id"`
	Status core.JobStatus `json:"status"`
	Limit  int            `json:"limit"`
}

type usageArgs struct {
	UserID string `json:"user_id"`
	Date   string `json:"date"`
}

func kindNames() []string {
	out := make([]string, len(core.Kinds))
	for i, k := range core.Kinds {
		out[i] = string(k)
	}
	return out
}
