// Package mcp exposes the memory kernel over the Model Context Protocol.
//
// The MCP server mirrors the HTTP API surface as tools and resources so
// MCP-compatible coding agents can read and write project memory without
// speaking HTTP. Tool results are human-readable status lines rather than
// raw JSON: the caller is a language model, not a program.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kioku/internal/approval"
	"github.com/ashita-ai/kioku/internal/checklist"
	"github.com/ashita-ai/kioku/internal/kernel"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/opsdocs"
	"github.com/ashita-ai/kioku/internal/refine"
)

// Refiner compacts search results into a digest. Satisfied by both the
// deterministic masking refiner and the LLM-backed one.
type Refiner interface {
	Refine(ctx context.Context, query string, results []model.SearchResult, maxTokens int) (*refine.Result, error)
}

// Server wraps the MCP server with the memory services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	kernel    *kernel.Kernel
	workflow  *approval.Workflow
	checklist *checklist.Service
	refiner   Refiner
	opsdocs   *opsdocs.Library
	tracker   *searchTracker
	logger    *slog.Logger
}

// New creates an MCP server with all tools, resources, and prompts
// registered. refiner and docs may be nil.
func New(k *kernel.Kernel, wf *approval.Workflow, cl *checklist.Service, refiner Refiner, docs *opsdocs.Library, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if refiner == nil {
		refiner = refine.New(0)
	}
	s := &Server{
		kernel:    k,
		workflow:  wf,
		checklist: cl,
		refiner:   refiner,
		opsdocs:   docs,
		tracker:   newSearchTracker(trackerWindow),
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kioku",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio runs the server on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerPrompts() {
	// session-start — everything an agent should load before working.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("session-start",
			mcplib.WithPromptDescription("Load the project constitution and open checklist at the start of a session"),
		),
		s.handleSessionStartPrompt,
	)

	// session-end — reminds the agent to persist what it learned.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("session-end",
			mcplib.WithPromptDescription("Persist session outcomes: sync the plan document and log notable events"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("Identifier of the session being closed"),
			),
		),
		s.handleSessionEndPrompt,
	)
}

func (s *Server) handleSessionStartPrompt(ctx context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	text := "开始工作前请先加载项目记忆：\n" +
		"1. 调用 get_constitution 获取项目原则，它们优先于你的默认行为。\n" +
		"2. 调用 get_checklist_briefing 查看未完成的任务。\n" +
		"3. 动手前用 search_memory 检查相关的已验证事实。"
	if s.checklist != nil {
		if briefing, err := s.checklist.Briefing(ctx, 0); err == nil {
			text += "\n\n" + briefing
		}
	}
	return &mcplib.GetPromptResult{
		Description: "Session start briefing",
		Messages: []mcplib.PromptMessage{
			{Role: mcplib.RoleUser, Content: mcplib.TextContent{Type: "text", Text: text}},
		},
	}, nil
}

func (s *Server) handleSessionEndPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	session := request.Params.Arguments["session_id"]
	text := "会话结束前请持久化本次成果：\n" +
		"1. 用 sync_plan_to_checklist 回写计划文档中的勾选状态。\n" +
		"2. 用 log_event 记录重要事件（部署、决策、故障）。\n" +
		"3. 新确认的结论用 add_memory 存为 verified_fact。"
	if session != "" {
		text += "\n本次会话 id: " + session
	}
	return &mcplib.GetPromptResult{
		Description: "Session end checklist",
		Messages: []mcplib.PromptMessage{
			{Role: mcplib.RoleUser, Content: mcplib.TextContent{Type: "text", Text: text}},
		},
	}, nil
}
