package orchestrator

import (
	"sort"
	"strings"

	"github.com/pario-ai/arena/pkg/models"
	"github.com/pario-ai/arena/pkg/provider"
)

const (
	turnSystemPrompt = "You are one of several assistants answering the same question side by side. Answer directly."

	reconsiderSystemPrompt = "You are one of several assistants answering the same question side by side. " +
		"Other assistants' answers follow. Keep what is right in your answer, correct what is wrong and say what changed."

	defaultReconsiderInstruction = "Reconsider your answer in light of the other answers."
)

// buildTurnRequest assembles one provider's messages for an initial or
// follow-up turn. History contributes only the exchanges in which this
// provider produced an answer, so roles keep alternating.
func buildTurnRequest(history []models.Turn, providerName, prompt string) provider.Request {
	var msgs []provider.Message
	for _, h := range history {
		answer, ok := latestAnswers(h)[providerName]
		if !ok {
			continue
		}
		question := h.Prompt
		if h.Mode == models.ModeReconsider || question == "" {
			question = defaultReconsiderInstruction
		}
		msgs = append(msgs,
			provider.Message{Role: "user", Content: question},
			provider.Message{Role: "assistant", Content: answer},
		)
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: prompt})
	return provider.Request{System: turnSystemPrompt, Messages: msgs}
}

// buildReconsiderRequest gives a provider its own answer and the peers'
// answers and asks it to revise.
func buildReconsiderRequest(question, own, peers, instruction string) provider.Request {
	if strings.TrimSpace(instruction) == "" {
		instruction = defaultReconsiderInstruction
	}
	msgs := []provider.Message{{Role: "user", Content: question}}
	if own != "" {
		msgs = append(msgs, provider.Message{Role: "assistant", Content: own})
	}

	var b strings.Builder
	if peers != "" {
		b.WriteString("Other answers:\n\n")
		b.WriteString(peers)
		b.WriteString("\n\n")
	}
	b.WriteString(instruction)
	msgs = append(msgs, provider.Message{Role: "user", Content: b.String()})
	return provider.Request{System: reconsiderSystemPrompt, Messages: msgs}
}

// latestAnswers maps provider to its successful text in t. A reconsider
// answer replaces the same provider's initial answer.
func latestAnswers(t models.Turn) map[string]string {
	out := make(map[string]string)
	for _, c := range t.Calls {
		if c.Outcome != models.OutcomeSuccess {
			continue
		}
		if _, seen := out[c.Provider]; seen && c.Role != models.RoleReconsider {
			continue
		}
		out[c.Provider] = c.Text
	}
	return out
}

// answersAcross merges latestAnswers over a reconsider chain ordered oldest
// first, so a provider without an answer in a later round keeps its
// earlier one.
func answersAcross(chain []models.Turn) map[string]string {
	out := make(map[string]string)
	for _, t := range chain {
		for name, text := range latestAnswers(t) {
			out[name] = text
		}
	}
	return out
}

// peerContext joins every answer except self's, oldest provider name first.
func peerContext(self string, answers map[string]string) string {
	names := make([]string, 0, len(answers))
	for name := range answers {
		if name != self {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, "["+name+"]\n"+answers[name])
	}
	return strings.Join(parts, "\n\n")
}
