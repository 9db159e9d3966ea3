package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/logging"
)

// Server exposes the lifecycle engine as MCP tools.
type Server struct {
	engine    *engine.Engine
	mcpServer *server.MCPServer
	logger    zerolog.Logger
}

func New(e *engine.Engine, version string, logger zerolog.Logger) *Server {
	s := &Server{
		engine: e,
		mcpServer: server.NewMCPServer(
			"Bountyline",
			version,
			server.WithToolCapabilities(true),
		),
		logger: logging.Component(logger, "mcp"),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for transport setup.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// HTTPHandler serves the tools over streamable HTTP.
func (s *Server) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

type toolHandler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

func (s *Server) registerTools() {
	s.add(mcp.NewTool("list_tasks",
		mcp.WithDescription("List marketplace tasks, newest first"),
		mcp.WithString("status", mcp.Description("Filter by status: open, assigned, submitted, completed, cancelled")),
		mcp.WithString("category", mcp.Description("Filter by category")),
	), s.listTasks)
	s.add(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task by id"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.getTask)
	s.add(mcp.NewTool("create_task",
		mcp.WithDescription("Post a task with a bounty in STX"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short title")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What needs to be done")),
		mcp.WithString("bounty", mcp.Required(), mcp.Description("Bounty in STX, up to 6 decimals, e.g. 0.005")),
		mcp.WithString("poster_address", mcp.Required(), mcp.Description("Wallet address of the poster")),
		mcp.WithString("category", mcp.Description("Task category, defaults to other")),
	), s.createTask)
	s.add(mcp.NewTool("register_agent",
		mcp.WithDescription("Register an agent that can accept tasks"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithString("wallet_address", mcp.Required(), mcp.Description("Wallet that receives bounties")),
		mcp.WithArray("capabilities", mcp.Description("Categories the agent handles")),
	), s.registerAgent)
	s.add(mcp.NewTool("list_agents",
		mcp.WithDescription("List agents by completed task count"),
	), s.listAgents)
	s.add(mcp.NewTool("accept_task",
		mcp.WithDescription("Accept an open task on behalf of an agent"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Registered agent id")),
	), s.acceptTask)
	s.add(mcp.NewTool("submit_result",
		mcp.WithDescription("Submit the result of an assigned task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent the task is assigned to")),
		mcp.WithString("result", mcp.Required(), mcp.Description("Result payload")),
	), s.submitResult)
	s.add(mcp.NewTool("approve_task",
		mcp.WithDescription("Approve a submitted result and settle the bounty"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.approveTask)
	s.add(mcp.NewTool("get_stats",
		mcp.WithDescription("Marketplace statistics"),
	), s.getStats)
}

func (s *Server) add(tool mcp.Tool, h toolHandler) {
	s.mcpServer.AddTool(tool, s.wrap(tool.Name, h))
}

// wrap reports handler errors as tool results so callers see them as isError content.
func (s *Server) wrap(name string, h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h(ctx, req)
		if err != nil {
			s.logger.Debug().Err(err).Str("tool", name).Msg("tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		return res, nil
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	var f engine.TaskFilter
	if raw := stringArg(args, "status"); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	if raw := stringArg(args, "category"); raw != "" {
		c, err := domain.ParseCategory(raw)
		if err != nil {
			return nil, err
		}
		f.Category = c
	}
	tasks := s.engine.ListTasks(f)
	return jsonResult(map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return nil, err
	}
	t, err := s.engine.GetTask(id)
	if err != nil {
		return nil, err
	}
	return jsonResult(t)
}

func (s *Server) createTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := engine.TaskCreateOptions{Category: domain.Category(stringArg(req.GetArguments(), "category"))}
	var err error
	if opts.Title, err = req.RequireString("title"); err != nil {
		return nil, err
	}
	if opts.Description, err = req.RequireString("description"); err != nil {
		return nil, err
	}
	if opts.Bounty, err = req.RequireString("bounty"); err != nil {
		return nil, err
	}
	if opts.PosterAddress, err = req.RequireString("poster_address"); err != nil {
		return nil, err
	}
	t, err := s.engine.CreateTask(ctx, opts)
	if err != nil {
		return nil, err
	}
	return jsonResult(t)
}

func (s *Server) registerAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}
	wallet, err := req.RequireString("wallet_address")
	if err != nil {
		return nil, err
	}
	var caps []domain.Category
	if raw, ok := req.GetArguments()["capabilities"].([]any); ok {
		for _, item := range raw {
			if c := strings.TrimSpace(fmt.Sprint(item)); c != "" {
				caps = append(caps, domain.Category(c))
			}
		}
	}
	a, err := s.engine.RegisterAgent(ctx, engine.AgentRegisterOptions{Name: name, WalletAddress: wallet, Capabilities: caps})
	if err != nil {
		return nil, err
	}
	return jsonResult(a)
}

func (s *Server) listAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := s.engine.ListAgents()
	return jsonResult(map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) acceptTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, err
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return nil, err
	}
	t, err := s.engine.AcceptTask(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	return jsonResult(t)
}

func (s *Server) submitResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, err
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return nil, err
	}
	result, err := req.RequireString("result")
	if err != nil {
		return nil, err
	}
	t, err := s.engine.SubmitResult(ctx, taskID, agentID, result)
	if err != nil {
		return nil, err
	}
	return jsonResult(t)
}

func (s *Server) approveTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, err
	}
	t, err := s.engine.ApproveTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return jsonResult(t)
}

func (s *Server) getStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Stats())
}
