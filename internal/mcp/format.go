package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kioku/internal/model"
)

// maxToolContent bounds how much of one memory a tool result carries.
// Agents skim these lists; full bodies are one search away.
const maxToolContent = 300

// formatResults renders search hits as a numbered digest, best first.
func formatResults(results []model.SearchResult) string {
	if len(results) == 0 {
		return "没有找到相关记忆。"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "找到 %d 条相关记忆：\n", len(results))
	for i, res := range results {
		fmt.Fprintf(&b, "\n%d. [%s", i+1, res.Item.Layer)
		if res.Score > 0 {
			fmt.Fprintf(&b, " %.2f", res.Score)
		}
		b.WriteString("]")
		if !res.Item.CreatedAt.IsZero() {
			b.WriteString(" " + res.Item.CreatedAt.Format("2006-01-02"))
		}
		fmt.Fprintf(&b, " (id: %s)\n", res.Item.ID)
		b.WriteString(truncate(res.Item.Content, maxToolContent))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatConstitution renders the active constitution as Markdown.
func formatConstitution(con *model.Constitution) string {
	if con == nil || len(con.Items) == 0 {
		return "项目宪法为空。可以用 propose_constitution_change 提议第一条原则。"
	}
	var b strings.Builder
	b.WriteString("# 项目宪法\n")
	for _, item := range con.Items {
		fmt.Fprintf(&b, "\n- %s", item.Content)
		if item.Category != "" && item.Category != "constitution" {
			fmt.Fprintf(&b, " (%s)", item.Category)
		}
	}
	if con.Guidance != "" {
		b.WriteString("\n\n" + con.Guidance)
	}
	return b.String()
}

// formatChange renders an identity-change proposal with its vote state.
func formatChange(change *model.IdentityChange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "提案 %s [%s] %s\n", change.ID, change.ChangeType, change.Status)
	if change.Content != "" {
		b.WriteString("内容: " + truncate(change.Content, maxToolContent) + "\n")
	}
	if change.TargetID != "" {
		b.WriteString("目标: " + change.TargetID + "\n")
	}
	b.WriteString("理由: " + change.Reason + "\n")
	fmt.Fprintf(&b, "票数: %d/%d", len(change.Approvals), change.ApprovalsNeeded)
	if len(change.Approvals) > 0 {
		names := make([]string, len(change.Approvals))
		for i, a := range change.Approvals {
			names[i] = a.Approver
		}
		b.WriteString(" (" + strings.Join(names, ", ") + ")")
	}
	return b.String()
}

// formatPending renders queue entries for review.
func formatPending(items []model.PendingMemory) string {
	if len(items) == 0 {
		return "待审核队列为空。"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d 条记忆等待审核：\n", len(items))
	for i, p := range items {
		fmt.Fprintf(&b, "\n%d. (id: %s, confidence: %.2f, source: %s)\n", i+1, p.ID, p.Item.Confidence, p.Item.Source)
		b.WriteString(truncate(p.Item.Content, maxToolContent))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
