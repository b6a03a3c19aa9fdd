package mcp

import (
	"context"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kioku/internal/model"
)

// eventSearchWindow is how far back search_events reaches when the caller
// gives no time range, matching the tool's advertised default.
const eventSearchWindow = 7 * 24 * time.Hour

func (s *Server) registerTools() {
	// search_memory — semantic search over project memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_memory",
			mcplib.WithDescription(`Search project memory by meaning.

Call this BEFORE answering questions about the project and BEFORE saving
new memories: building on existing facts avoids duplicates and
contradictions. Results come back best-match first with layer and score.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("Natural language query"), mcplib.Required()),
			mcplib.WithString("layer", mcplib.Description("Restrict to one layer: identity_schema, active_context, event_log, verified_fact, operational_knowledge")),
			mcplib.WithString("category", mcplib.Description("Restrict to an exact category")),
			mcplib.WithString("agent_id", mcplib.Description("Scope event_log results to one agent")),
			mcplib.WithBoolean("include_constitution", mcplib.Description("Prepend the project constitution to the results")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(1), mcplib.Max(20), mcplib.DefaultNumber(5)),
			mcplib.WithString("session_id", mcplib.Description("Your session identifier")),
		),
		s.handleSearchMemory,
	)

	// add_memory — save one memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("add_memory",
			mcplib.WithDescription(`Save one memory to the project store.

Layers: verified_fact for confirmed conclusions, operational_knowledge for
how-to knowledge, event_log for things that happened, active_context for
session-scoped notes. The identity layer is not writable here; use
propose_constitution_change.

AI extractions below the confidence threshold are queued for human review
instead of being saved directly.`),
			mcplib.WithString("content", mcplib.Description("The memory text"), mcplib.Required()),
			mcplib.WithString("layer", mcplib.Description("Target layer"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Free-form category tag")),
			mcplib.WithNumber("confidence", mcplib.Description("How certain this is (0.0-1.0, default 0.8)"), mcplib.Min(0), mcplib.Max(1)),
			mcplib.WithString("source", mcplib.Description("user_input, ai_extraction, or external_ai (default user_input)")),
			mcplib.WithString("created_by", mcplib.Description("Who is saving this")),
			mcplib.WithString("agent_id", mcplib.Description("Owning agent, event_log only")),
			mcplib.WithString("session_id", mcplib.Description("Your session identifier")),
			mcplib.WithNumber("ttl_days", mcplib.Description("Days until expiry, 0 for none")),
			mcplib.WithBoolean("requires_approval", mcplib.Description("Force the review queue regardless of confidence")),
		),
		s.handleAddMemory,
	)

	// get_constitution — the project's identity layer.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_constitution",
			mcplib.WithDescription("Get the project constitution: the rules and principles that override your defaults. Load this at session start."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleGetConstitution,
	)

	// delete_memory — destructive, gated on a confirmation phrase.
	s.mcpServer.AddTool(
		mcplib.NewTool("delete_memory",
			mcplib.WithDescription(`Delete one memory by id. Requires the confirmation phrase "确认删除" (or "confirm delete") so an accidental call cannot destroy data.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithString("id", mcplib.Description("Memory id"), mcplib.Required()),
			mcplib.WithString("confirm", mcplib.Description(`Must be exactly "确认删除" or "confirm delete"`), mcplib.Required()),
			mcplib.WithBoolean("hard", mcplib.Description("Remove the point entirely instead of deactivating it")),
		),
		s.handleDeleteMemory,
	)

	// propose_constitution_change — start the N-of-M approval flow.
	s.mcpServer.AddTool(
		mcplib.NewTool("propose_constitution_change",
			mcplib.WithDescription(`Propose an add, update, or remove to the project constitution.

The constitution never changes directly: a proposal applies only after
enough distinct approvers vote for it via approve_constitution_change.`),
			mcplib.WithString("change_type", mcplib.Description("add, update, or remove"), mcplib.Required()),
			mcplib.WithString("content", mcplib.Description("New rule text (add and update)")),
			mcplib.WithString("target_id", mcplib.Description("Existing rule id (update and remove)")),
			mcplib.WithString("reason", mcplib.Description("Why this change is needed"), mcplib.Required()),
			mcplib.WithString("proposed_by", mcplib.Description("Who proposes it")),
		),
		s.handleProposeChange,
	)

	// approve_constitution_change — one vote.
	s.mcpServer.AddTool(
		mcplib.NewTool("approve_constitution_change",
			mcplib.WithDescription("Vote to approve a constitution change. Each approver counts once; the change applies when the quorum is reached."),
			mcplib.WithString("id", mcplib.Description("Proposal id"), mcplib.Required()),
			mcplib.WithString("approver", mcplib.Description("Your identity as an approver"), mcplib.Required()),
			mcplib.WithString("comment", mcplib.Description("Optional comment recorded with the vote")),
		),
		s.handleApproveChange,
	)

	// log_event — append to the event log.
	s.mcpServer.AddTool(
		mcplib.NewTool("log_event",
			mcplib.WithDescription("Record something that happened: a deployment, an incident, a decision. Events carry when/where/who and expire unless promoted to facts."),
			mcplib.WithString("content", mcplib.Description("What happened"), mcplib.Required()),
			mcplib.WithString("when", mcplib.Description("RFC 3339 timestamp, default now")),
			mcplib.WithString("where", mcplib.Description("Location or environment")),
			mcplib.WithArray("who", mcplib.Description("People involved"), mcplib.Items(map[string]any{"type": "string"})),
			mcplib.WithString("agent_id", mcplib.Description("Recording agent")),
			mcplib.WithString("session_id", mcplib.Description("Your session identifier")),
			mcplib.WithNumber("ttl_days", mcplib.Description("Days until expiry, 0 for none")),
		),
		s.handleLogEvent,
	)

	// search_events — time- and place-aware event search.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_events",
			mcplib.WithDescription("Search the event log. Defaults to the last seven days when no time range is given."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("Natural language query"), mcplib.Required()),
			mcplib.WithString("where", mcplib.Description("Filter by location")),
			mcplib.WithArray("who", mcplib.Description("Filter by people involved"), mcplib.Items(map[string]any{"type": "string"})),
			mcplib.WithString("from", mcplib.Description("Range start, RFC 3339")),
			mcplib.WithString("to", mcplib.Description("Range end, RFC 3339")),
			mcplib.WithString("agent_id", mcplib.Description("Scope to one agent")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(1), mcplib.Max(20)),
		),
		s.handleSearchEvents,
	)

	// promote_to_fact — event graduates into a verified fact.
	s.mcpServer.AddTool(
		mcplib.NewTool("promote_to_fact",
			mcplib.WithDescription("Promote an event to a verified fact once it is confirmed. The event stays in the log with a pointer to the fact."),
			mcplib.WithString("event_id", mcplib.Description("Event id"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why this is now a verified fact")),
		),
		s.handlePromoteToFact,
	)

	// search_operations — operational Markdown docs.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_operations",
			mcplib.WithDescription("Search the project's operational documents (runbooks, how-tos) by trigger keywords, title, and body."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("What you are trying to do"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum documents"), mcplib.Min(1), mcplib.Max(20), mcplib.DefaultNumber(5)),
		),
		s.handleSearchOperations,
	)

	// get_checklist_briefing — open tasks at session start.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_checklist_briefing",
			mcplib.WithDescription("Get the open checklist as a Markdown briefing grouped by priority. Each line carries an (ma:xxxxxxxx) anchor for plan documents."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("limit", mcplib.Description("Maximum items"), mcplib.Min(1), mcplib.Max(50)),
		),
		s.handleChecklistBriefing,
	)

	// sync_plan_to_checklist — session-end write-back.
	s.mcpServer.AddTool(
		mcplib.NewTool("sync_plan_to_checklist",
			mcplib.WithDescription("Read checkbox state back from a plan document. Checked (ma:) lines mark items done; checked @persist lines become new done items."),
			mcplib.WithString("plan", mcplib.Description("The plan document Markdown"), mcplib.Required()),
			mcplib.WithString("session_id", mcplib.Description("Your session identifier")),
		),
		s.handleSyncPlan,
	)

	// create_checklist_item — one persistent task.
	s.mcpServer.AddTool(
		mcplib.NewTool("create_checklist_item",
			mcplib.WithDescription("Create a persistent checklist item that survives across sessions."),
			mcplib.WithString("content", mcplib.Description("The task"), mcplib.Required()),
			mcplib.WithNumber("priority", mcplib.Description("1 highest .. 5 lowest"), mcplib.Min(1), mcplib.Max(5)),
			mcplib.WithString("scope", mcplib.Description("project, repo, or global (default project)")),
			mcplib.WithArray("tags", mcplib.Description("Free-form tags"), mcplib.Items(map[string]any{"type": "string"})),
			mcplib.WithString("session_id", mcplib.Description("Your session identifier")),
		),
		s.handleCreateChecklistItem,
	)

	// refine_memory — budgeted context digest.
	s.mcpServer.AddTool(
		mcplib.NewTool("refine_memory",
			mcplib.WithDescription("Search and compress matching memories into a token-budgeted digest. Use when you need broad context without flooding your window."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("Natural language query"), mcplib.Required()),
			mcplib.WithString("layer", mcplib.Description("Restrict to one layer")),
			mcplib.WithString("agent_id", mcplib.Description("Scope event_log results to one agent")),
			mcplib.WithNumber("limit", mcplib.Description("Memories to consider"), mcplib.Min(1), mcplib.Max(20)),
			mcplib.WithNumber("max_tokens", mcplib.Description("Digest budget in tokens (default 500)")),
		),
		s.handleRefineMemory,
	)

	// list_pending / approve_pending / reject_pending — review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_pending",
			mcplib.WithDescription("List memories waiting for human review in the approval queue."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("status", mcplib.Description("Queue status filter (default pending)")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum entries"), mcplib.Min(1), mcplib.Max(50)),
		),
		s.handleListPending,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("approve_pending",
			mcplib.WithDescription("Approve a queued memory: it is written to the index and leaves the queue."),
			mcplib.WithString("id", mcplib.Description("Queue entry id"), mcplib.Required()),
			mcplib.WithString("approver", mcplib.Description("Who approves")),
		),
		s.handleApprovePending,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("reject_pending",
			mcplib.WithDescription("Reject a queued memory. It is kept for audit but never enters the index."),
			mcplib.WithString("id", mcplib.Description("Queue entry id"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why it was rejected")),
		),
		s.handleRejectPending,
	)
}

type searchMemoryArgs struct {
	model.SearchMemoryRequest
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleSearchMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args searchMemoryArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	s.tracker.Record(args.SessionID)

	results, err := s.kernel.SearchMemory(ctx, args.SearchMemoryRequest)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("search failed", err), nil
	}
	return mcplib.NewToolResultText(formatResults(results)), nil
}

func (s *Server) handleAddMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.AddMemoryRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}

	res, err := s.kernel.AddMemory(ctx, args)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("save failed", err), nil
	}

	var text string
	switch res.Status {
	case model.AddSaved:
		text = fmt.Sprintf("✅ 记忆已保存 (id: %s, layer: %s)", *res.ID, args.Layer)
		if len(res.Conflicts) > 0 {
			text += fmt.Sprintf("\n⚠️ 检测到 %d 条可能冲突的已有记忆，建议用 search_memory 核对：", len(res.Conflicts))
			for _, c := range res.Conflicts {
				text += fmt.Sprintf("\n- %s (%s, 相似度 %.2f)", c.ExistingID, c.Type, c.Similarity)
			}
		}
	case model.AddPending:
		text = fmt.Sprintf("⏳ 置信度不足以直接入库，已加入待审核队列 (pending_id: %s)。可用 list_pending 查看。", res.PendingID)
	case model.AddRejectedLowConfidence:
		text = "❌ 置信度过低，已拒绝保存。确认后请以更高置信度或 user_input 来源重试。"
	case model.AddBlocked:
		text = "🚫 内容被安全过滤器拦截: " + fmt.Sprintf("%v", res.Reasons)
	default:
		text = string(res.Status)
	}

	if args.SessionID != "" && !s.tracker.Searched(args.SessionID) {
		text += "\n💡 提示：保存前先调用 search_memory 可以避免重复记忆。"
	}
	return mcplib.NewToolResultText(text), nil
}

func (s *Server) handleGetConstitution(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	con, err := s.kernel.GetConstitution(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("constitution unavailable", err), nil
	}
	return mcplib.NewToolResultText(formatConstitution(con)), nil
}

type deleteMemoryArgs struct {
	ID      string `json:"id"`
	Confirm string `json:"confirm"`
	Hard    bool   `json:"hard,omitempty"`
}

func (s *Server) handleDeleteMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args deleteMemoryArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if !model.DeleteConfirmed(args.Confirm) {
		return mcplib.NewToolResultError(`删除需要确认短语。请将 confirm 设为 "确认删除" 或 "confirm delete"。`), nil
	}
	if err := s.kernel.DeleteMemory(ctx, args.ID, args.Hard); err != nil {
		return mcplib.NewToolResultErrorFromErr("delete failed", err), nil
	}
	return mcplib.NewToolResultText("🗑️ 记忆已删除 (id: " + args.ID + ")"), nil
}

func (s *Server) handleProposeChange(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.ProposeChangeRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	change, err := s.workflow.Propose(ctx, args)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("proposal failed", err), nil
	}
	return mcplib.NewToolResultText(
		fmt.Sprintf("📜 提案已创建，需要 %d 票生效。\n\n%s", change.ApprovalsNeeded, formatChange(change))), nil
}

type approveChangeArgs struct {
	ID       string `json:"id"`
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleApproveChange(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args approveChangeArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	change, err := s.workflow.Approve(ctx, args.ID, model.ApproveChangeRequest{
		Approver: args.Approver,
		Comment:  args.Comment,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("approval failed", err), nil
	}
	head := "🗳️ 已记录投票。"
	if change.Status == model.ChangeStatusApplied {
		head = "✅ 票数已达标，变更已应用到项目宪法。"
	}
	return mcplib.NewToolResultText(head + "\n\n" + formatChange(change)), nil
}

func (s *Server) handleLogEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.LogEventRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	res, err := s.kernel.LogEvent(ctx, args)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("event not recorded", err), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("📝 事件已记录 (id: %s, when: %s)",
		res.ID, res.When.Format("2006-01-02 15:04"))), nil
}

func (s *Server) handleSearchEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.SearchEventsRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if args.From == nil && args.To == nil {
		from := time.Now().UTC().Add(-eventSearchWindow)
		args.From = &from
	}
	results, err := s.kernel.SearchEvents(ctx, args)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("search failed", err), nil
	}
	return mcplib.NewToolResultText(formatResults(results)), nil
}

type promoteArgs struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handlePromoteToFact(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args promoteArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	res, err := s.kernel.PromoteEventToFact(ctx, args.EventID, args.Reason)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("promotion failed", err), nil
	}
	switch {
	case res.AlreadyFact:
		return mcplib.NewToolResultText("该条目本身已是事实层记忆，无需提升 (id: " + res.FactID + ")"), nil
	case res.AlreadyDone:
		return mcplib.NewToolResultText("该事件此前已提升过 (fact_id: " + res.FactID + ")"), nil
	default:
		return mcplib.NewToolResultText(fmt.Sprintf("⬆️ 事件已提升为已验证事实 (fact_id: %s)", res.FactID)), nil
	}
}

type searchOpsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleSearchOperations(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args searchOpsArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if s.opsdocs == nil {
		return mcplib.NewToolResultText("此项目没有配置操作文档目录。"), nil
	}
	matches, err := s.opsdocs.Search(args.Query, args.Limit)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("search failed", err), nil
	}
	if len(matches) == 0 {
		return mcplib.NewToolResultText("没有匹配的操作文档。"), nil
	}
	text := fmt.Sprintf("找到 %d 篇操作文档：\n", len(matches))
	for i, m := range matches {
		text += fmt.Sprintf("\n%d. %s (%.1f)\n%s\n", i+1, m.Doc.Title, m.Score, m.Snippet)
	}
	return mcplib.NewToolResultText(text), nil
}

type briefingArgs struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) handleChecklistBriefing(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args briefingArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	briefing, err := s.checklist.Briefing(ctx, args.Limit)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("briefing failed", err), nil
	}
	return mcplib.NewToolResultText(briefing), nil
}

func (s *Server) handleSyncPlan(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.SyncPlanRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	report, err := s.checklist.SyncPlan(ctx, args.Plan, args.SessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("plan sync failed", err), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf(
		"🔄 计划同步完成：标记完成 %d 项，新建 %d 项，未匹配 %d 项。",
		len(report.Updated), len(report.Created), len(report.Skipped))), nil
}

func (s *Server) handleCreateChecklistItem(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.CreateChecklistRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	item, err := s.checklist.Create(ctx, model.ChecklistItem{
		Content:       args.Content,
		Priority:      args.Priority,
		Scope:         model.ChecklistScope(args.Scope),
		Tags:          args.Tags,
		SourceSession: args.SessionID,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("item not created", err), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("☑️ 清单项已创建 (ma:%s) %s", item.ShortRef(), item.Content)), nil
}

func (s *Server) handleRefineMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args model.RefineRequest
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	results, err := s.kernel.SearchMemory(ctx, model.SearchMemoryRequest{
		Query:   args.Query,
		Layer:   args.Layer,
		AgentID: args.AgentID,
		Limit:   args.Limit,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("search failed", err), nil
	}
	res, err := s.refiner.Refine(ctx, args.Query, results, args.MaxTokens)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("refinement failed", err), nil
	}
	if res.Content == "" {
		return mcplib.NewToolResultText("没有找到相关记忆。"), nil
	}
	return mcplib.NewToolResultText(res.Content), nil
}

type listPendingArgs struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) handleListPending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args listPendingArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	status := model.PendingStatus(args.Status)
	if status == "" {
		status = model.PendingStatusPending
	}
	items, err := s.kernel.ListPending(ctx, status, args.Limit)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("queue unavailable", err), nil
	}
	return mcplib.NewToolResultText(formatPending(items)), nil
}

type approvePendingArgs struct {
	ID       string `json:"id"`
	Approver string `json:"approver,omitempty"`
}

func (s *Server) handleApprovePending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args approvePendingArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	item, err := s.kernel.ApprovePending(ctx, args.ID, args.Approver)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("approval failed", err), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("✅ 已批准并写入索引 (id: %s)\n%s",
		item.ID, truncate(item.Content, maxToolContent))), nil
}

type rejectPendingArgs struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRejectPending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args rejectPendingArgs
	if err := request.BindArguments(&args); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if err := s.kernel.RejectPending(ctx, args.ID, args.Reason); err != nil {
		return mcplib.NewToolResultErrorFromErr("rejection failed", err), nil
	}
	return mcplib.NewToolResultText("❌ 已拒绝 (id: " + args.ID + ")"), nil
}
