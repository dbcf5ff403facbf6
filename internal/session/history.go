package session

import "github.com/MrWong99/linguavox/internal/tutor"

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// defaultHistoryMaxTokens bounds the context passed to the classifier and
// the feedback generator.
const defaultHistoryMaxTokens = 2000

// historyWindow returns deep copies of the most recent turns whose estimated
// token count fits within maxTokens, oldest first. The latest turn is always
// included, even when it alone exceeds the budget. A non-positive maxTokens
// returns every turn.
func historyWindow(turns []tutor.Turn, maxTokens int) []tutor.Turn {
	if len(turns) == 0 {
		return nil
	}
	start := 0
	if maxTokens > 0 {
		used := 0
		start = len(turns)
		for start > 0 {
			cost := estimateTokens(turns[start-1])
			if used+cost > maxTokens && start < len(turns) {
				break
			}
			used += cost
			start--
		}
	}

	out := make([]tutor.Turn, 0, len(turns)-start)
	for _, t := range turns[start:] {
		out = append(out, t.Clone())
	}
	return out
}

// estimateTokens returns a rough token count for a single turn as rendered
// in prompts ("role: transcript") using the 1-token-per-4-characters
// heuristic.
func estimateTokens(t tutor.Turn) int {
	chars := len(t.Role) + 2 + len(t.Transcript)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
