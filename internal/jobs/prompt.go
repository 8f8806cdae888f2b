package jobs

import (
	"fmt"
	"strings"

	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/internal/model"
)

const systemPrompt = `You are a careful reading companion. The reader has highlighted a passage in a longer text and wants help thinking about it. Ground every claim in the passage and the provided context; say plainly when something cannot be verified from them. Answer in clear prose, formatted as Markdown.`

// kindInstructions maps each analysis kind to the task line placed at the
// top of the user prompt. Comment never reaches the model, so it has no
// entry.
var kindInstructions = map[model.AnalysisKind]string{
	model.AnalysisKindFactCheck:      "Fact-check the highlighted passage. Identify each factual claim, assess whether it holds up, and flag anything unsupported or contested.",
	model.AnalysisKindDiscussion:     "Discuss the highlighted passage. Explore what it means, why the author might have written it this way, and what it connects to.",
	model.AnalysisKindKeyPoints:      "Extract the key points of the highlighted passage as a concise list, preserving the author's emphasis.",
	model.AnalysisKindArgumentMap:    "Map the argument in the highlighted passage: the main claim, the premises offered for it, and how they depend on each other.",
	model.AnalysisKindCounterpoints:  "Give the strongest counterpoints to the highlighted passage. Steelman the opposing view rather than listing weak objections.",
	model.AnalysisKindCustomQuestion: "Answer the reader's question about the highlighted passage.",
}

// buildRequest assembles the generation request for one job: per-kind
// instruction, the highlighted span, its context (the wide context cut to
// extendedLimit runes), prior exchanges as alternating turns, and the
// reader's question last.
func buildRequest(req model.AnalysisRequest, extendedLimit int) llm.Request {
	var sb strings.Builder

	sb.WriteString(kindInstructions[req.Kind])
	sb.WriteString("\n\n")

	sb.WriteString("# Highlighted passage\n\n")
	sb.WriteString(req.SelectedText)
	sb.WriteString("\n\n")

	if req.SurroundingContext != "" {
		sb.WriteString("# Surrounding context\n\n")
		sb.WriteString(req.SurroundingContext)
		sb.WriteString("\n\n")
	}

	if req.ExtendedContext != "" {
		sb.WriteString("# Wider context\n\n")
		sb.WriteString(truncateRunes(req.ExtendedContext, extendedLimit))
		sb.WriteString("\n\n")
	}

	if req.PriorAnalysisID != 0 && req.PriorResult != "" {
		sb.WriteString(fmt.Sprintf("# Earlier %s analysis of this passage\n\n", priorLabel(req.PriorKind)))
		sb.WriteString(req.PriorResult)
		sb.WriteString("\n\n")
	}

	if req.Question != "" {
		sb.WriteString("# Question\n\n")
		sb.WriteString(req.Question)
		sb.WriteString("\n")
	}

	turns := make([]llm.Turn, 0, len(req.History)*2)
	for _, qa := range req.History {
		turns = append(turns,
			llm.Turn{Role: llm.RoleUser, Content: qa.Question},
			llm.Turn{Role: llm.RoleAssistant, Content: qa.Answer},
		)
	}

	return llm.Request{
		System: systemPrompt,
		Turns:  turns,
		Prompt: sb.String(),
	}
}

func priorLabel(kind model.AnalysisKind) string {
	if kind == "" {
		return "saved"
	}
	return strings.ReplaceAll(string(kind), "_", " ")
}

// truncateRunes cuts s to at most limit runes, appending a truncation note
// when anything was dropped. limit <= 0 disables the cut.
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "\n[context truncated]"
}
