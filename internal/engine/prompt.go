package engine

import (
	"fmt"
	"strings"
)

const passageSeparator = "\n---\n"

// systemPrompt constrains the model to the book's content. The greeting and
// goodbye rules keep small models from dumping context at pleasantries.
func systemPrompt(bookTitle string) string {
	return fmt.Sprintf(`You are a helpful assistant for the book %q. `+
		`Your job is to answer questions ONLY about this book using the provided context. `+
		"Rules:\n"+
		`- If the user sends a greeting (hi, hello, hey, etc.), reply with a friendly greeting `+
		`and say: "Ask me anything about the book '%s'!"`+"\n"+
		"- If the user says bye/goodbye, reply with a friendly goodbye.\n"+
		`- For all other questions, answer ONLY using the context provided below. `+
		`If the answer is not in the context, say "I couldn't find that in the book."`+"\n"+
		"- Be concise and accurate.", bookTitle, bookTitle)
}

// assemblePrompt combines passages (already in descending-score order) and
// the question. Passages are dropped from the lowest-scoring end until the
// estimated prompt fits the generation context window; the top passage is
// always kept.
func assemblePrompt(question string, passages []Passage, contextWindow, maxTokens int) string {
	budget := promptCharBudget(contextWindow, maxTokens)

	kept := len(passages)
	for kept > 1 && promptLen(question, passages[:kept]) > budget {
		kept--
	}

	texts := make([]string, 0, kept)
	for _, p := range passages[:kept] {
		texts = append(texts, p.Text)
	}
	context := strings.Join(texts, passageSeparator)

	return fmt.Sprintf("Context from the book:\n---\n%s\n---\n\nUser: %s\n\nAssistant:", context, question)
}

func promptLen(question string, passages []Passage) int {
	n := len(question) + 64 // template overhead
	for _, p := range passages {
		n += len(p.Text) + len(passageSeparator)
	}
	return n
}

// promptCharBudget converts the token window left after generation output
// into characters using the ~4 chars/token heuristic. Exact tokenization is
// not required here; overshooting slightly just truncates model-side.
func promptCharBudget(contextWindow, maxTokens int) int {
	promptTokens := contextWindow - maxTokens - 128 // reserve for the system prompt
	if promptTokens < 256 {
		promptTokens = 256
	}
	return promptTokens * 4
}
