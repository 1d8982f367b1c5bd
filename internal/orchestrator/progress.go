package orchestrator

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"relaybot/internal/domain"
)

// Early tool nodes are usually bookkeeping; only later ones are shown.
const minVisibleToolIndex = 3

const thinkingAction = "🤔 Thinking..."

func nodeStartedText(e domain.NodeStarted, forced domain.ForcedCommand, optimized map[string]any) string {
	if e.Title == "" {
		return ""
	}
	switch e.Kind {
	case domain.NodeLLM, domain.NodeAgent:
		return blockquote(e.Title)
	case domain.NodeTool:
		if e.Index <= minVisibleToolIndex {
			return ""
		}
		text := blockquote("✨ Tool use: " + e.Title)
		if forced == domain.ForceImagine {
			text += promptBlock(optimized)
		}
		return text
	}
	return ""
}

// optimizedPrompt returns the structured prompt an LLM node produced for an
// image generation run, or nil.
func optimizedPrompt(e domain.NodeFinished, forced domain.ForcedCommand) map[string]any {
	if forced != domain.ForceImagine || e.Kind != domain.NodeLLM || len(e.StructuredOutput) == 0 {
		return nil
	}
	if _, ok := e.StructuredOutput["prompt"]; !ok {
		return nil
	}
	return e.StructuredOutput
}

func promptBlock(out map[string]any) string {
	if len(out) == 0 {
		return ""
	}
	prompt, _ := out["prompt"].(string)
	negative, _ := out["negative_prompt"].(string)
	return fmt.Sprintf("\n<b>Prompt</b>:\n<code>%s</code>\n\n<b>Negative Prompt</b>:\n<code>%s</code>\n",
		html.EscapeString(prompt), html.EscapeString(negative))
}

// agentLogText formats one agent step according to the agent strategy.
// ReAct logs are dumped whole; function-calling logs are split into
// output, tool call and tool result segments.
func agentLogText(e domain.AgentLog, strategy string) string {
	var parts []string

	switch {
	case len(e.Raw) == 0:
		if e.Status == "start" && strategy == domain.StrategyFunctionCalling {
			parts = append(parts, blockquote("Agent: "+thinkingAction))
		}
	case strategy == domain.StrategyReAct:
		if e.Action != "" {
			parts = append(parts, blockquote("Agent: "+e.Action))
		}
		parts = append(parts, codeBlock("json", prettyJSON(e.Raw)))
	case strategy == domain.StrategyFunctionCalling:
		if e.Action != "" {
			parts = append(parts, blockquote("Agent: "+e.Action))
		}
		if e.Output != "" {
			parts = append(parts, html.EscapeString(e.Output))
		}
		for _, inv := range e.ToolInputs {
			parts = append(parts, blockquote("ToolUse: "+inv.Name))
			parts = append(parts, codeBlock(languageOf(inv.Args), prettyJSON(inv.Args)))
		}
		if e.ToolName != "" {
			parts = append(parts, blockquote("ToolUse: "+e.ToolName))
		}
		if len(e.ToolArgs) > 0 {
			parts = append(parts, codeBlock(languageOf(e.ToolArgs), prettyJSON(e.ToolArgs)))
		}
		if e.ToolResult != "" {
			parts = append(parts, codeBlock("json", e.ToolResult))
		}
	}

	return strings.Join(parts, "\n\n")
}

func blockquote(s string) string {
	return "<blockquote>" + html.EscapeString(s) + "</blockquote>"
}

func codeBlock(lang, body string) string {
	return fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(lang), html.EscapeString(body))
}

func languageOf(args map[string]any) string {
	if lang, ok := args["language"].(string); ok && lang != "" {
		return lang
	}
	return "json"
}

func prettyJSON(v any) string {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(sb.String(), "\n")
}
