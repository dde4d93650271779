package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func buildAnswerPrompt(question string, synthesized domain.SynthesizedContext, maxChars int) string {
	contextText := synthesized.Render(maxChars)
	if contextText == "" {
		contextText = "(no context retrieved)"
	}
	degraded := ""
	if synthesized.Degraded {
		degraded = "Some retrieval sources were unavailable; the context may be incomplete.\n"
	}

	return fmt.Sprintf(`Answer user question only from context below.
If context is insufficient, say it directly.
%s
Question:
%s

Context:
%s
`, degraded, question, contextText)
}

func buildReasoningPrompt(question string, synthesized domain.SynthesizedContext, answer string, maxChars int) string {
	contextText := synthesized.Render(maxChars)
	if contextText == "" {
		contextText = "(no context retrieved)"
	}
	return fmt.Sprintf(`Explain briefly why the answer below follows from the context.
Cover why the %s search strategy fit the question, which context lines support the answer,
and what remains uncertain.

Question:
%s

Context:
%s

Answer:
%s
`, synthesized.Strategy, question, contextText, strings.TrimSpace(answer))
}
