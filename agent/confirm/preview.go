package confirm

import (
	"fmt"
	"sort"
	"strings"

	contractx "github.com/jirayu/concierge/agent/contract"
	registryx "github.com/jirayu/concierge/agent/registry"
	riskx "github.com/jirayu/concierge/agent/risk"
	statex "github.com/jirayu/concierge/agent/state"
)

// RenderPreview builds the confirmation rendering for a pending plan.
// Detailed steps enumerate every affected target individually; preview
// steps show one summarized draft line. Auto steps are listed so the
// user sees the whole plan, but need no sign-off of their own.
func RenderPreview(reg *registryx.Registry, plan *statex.Plan) []contractx.PreviewBlock {
	blocks := make([]contractx.PreviewBlock, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		var def *contractx.ToolDefinition
		if reg != nil {
			def, _ = reg.Lookup(step.Tool)
		}

		block := contractx.PreviewBlock{
			Title:  fmt.Sprintf("%d. %s", i+1, step.Tool),
			StepID: step.ID,
		}

		switch step.Tier {
		case statex.TierDetailed:
			block.Lines = detailedLines(def, step)
		case statex.TierPreview:
			block.Lines = []string{summaryLine(def, step)}
		default:
			block.Lines = []string{"runs automatically"}
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// PreviewText flattens the blocks into a displayable confirmation
// prompt.
func PreviewText(blocks []contractx.PreviewBlock) string {
	var b strings.Builder
	b.WriteString("Before I proceed, please confirm:\n")
	for _, block := range blocks {
		b.WriteString(block.Title)
		b.WriteString("\n")
		for _, line := range block.Lines {
			b.WriteString("   ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("Reply to approve, reject, or describe changes.")
	return b.String()
}

// Summary is the compact plan description handed to the confirmation
// parser as correlation context.
func Summary(plan *statex.Plan) string {
	parts := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		parts = append(parts, fmt.Sprintf("%s(%s)", s.Tool, compactParams(s.Params)))
	}
	return fmt.Sprintf("plan %s v%d: %s", plan.ID, plan.Version, strings.Join(parts, "; "))
}

func detailedLines(def *contractx.ToolDefinition, step *statex.Step) []string {
	var lines []string
	var recipients []string
	if def != nil {
		recipients = riskx.Recipients(def, step.Params)
	}
	for _, addr := range recipients {
		lines = append(lines, "-> "+addr)
	}
	for _, kv := range sortedParams(step.Params, def) {
		lines = append(lines, kv)
	}
	if len(lines) == 0 {
		lines = []string{summaryLine(def, step)}
	}
	return lines
}

func summaryLine(def *contractx.ToolDefinition, step *statex.Step) string {
	desc := step.Tool
	if def != nil && def.Desc != "" {
		desc = def.Desc
	}
	params := compactParams(step.Params)
	if params == "" {
		return desc
	}
	return fmt.Sprintf("%s (%s)", desc, params)
}

func sortedParams(params map[string]any, def *contractx.ToolDefinition) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if def != nil && k == def.RecipientsParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %v", k, params[k]))
	}
	return out
}

func compactParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ", ")
}
