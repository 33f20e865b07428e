package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/communiq/communiq/internal/retrieve"
)

const defaultMaxContextTokens = 4000

// SystemPrompt frames the answer model: grounded answers only, with
// attribution, no speculation past the supplied context.
const SystemPrompt = `You are a community knowledge assistant. Answer the question using only the provided community context. Cite who said what when it matters. If the context does not contain the answer, say so plainly instead of guessing. Keep answers concise.`

// Turn is one completed question/answer exchange, used for follow-up
// context. CitedChunkIDs records which chunks backed the answer; it is
// empty for fixed answers produced without retrieval.
type Turn struct {
	Question      string
	Answer        string
	CitedChunkIDs []string
	Timestamp     time.Time
}

// Composer assembles the user prompt from retrieved sources, recent
// conversation turns, and the question, under a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// BuildPrompt renders the model input. Sources arrive sorted by descending
// score; when the budget is tight the lowest-scoring sources are dropped
// first, then the oldest turns.
func (c *Composer) BuildPrompt(question string, sources []retrieve.Source, history []Turn) string {
	var sb strings.Builder

	questionSection := "[Question]\n" + question
	remaining := c.MaxContextTokens - EstimateTokens(questionSection)

	var sourceEntries []string
	for _, src := range sources {
		entry := formatSource(src)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		sourceEntries = append(sourceEntries, entry)
		remaining -= tokens
	}

	// Newest turns matter most; walk backwards and prepend.
	var turnEntries []string
	for i := len(history) - 1; i >= 0; i-- {
		entry := fmt.Sprintf("Q: %s\nA: %s\n", history[i].Question, truncate(history[i].Answer, 800))
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		turnEntries = append([]string{entry}, turnEntries...)
		remaining -= tokens
	}

	if len(turnEntries) > 0 {
		sb.WriteString("[Conversation So Far]\n")
		for _, entry := range turnEntries {
			sb.WriteString(entry)
		}
		sb.WriteString("\n")
	}
	if len(sourceEntries) > 0 {
		sb.WriteString("[Community Context]\n")
		for _, entry := range sourceEntries {
			sb.WriteString(entry)
		}
	}
	sb.WriteString(questionSection)
	return sb.String()
}

// BuildRetrievalQuery expands a follow-up question with the tail of the
// conversation so pronouns and ellipsis still hit the right vectors. A
// first question passes through untouched.
func BuildRetrievalQuery(question string, history []Turn) string {
	if len(history) == 0 {
		return question
	}

	start := len(history) - 2
	if start < 0 {
		start = 0
	}

	var sb strings.Builder
	for _, t := range history[start:] {
		sb.WriteString(t.Question)
		sb.WriteString(" ")
		sb.WriteString(truncate(t.Answer, 200))
		sb.WriteString(" ")
	}
	sb.WriteString(question)
	return sb.String()
}

func formatSource(src retrieve.Source) string {
	return fmt.Sprintf("(Score: %.2f, %s, %s)\n%s\n\n", src.Score, src.Platform, src.Author, src.Text)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
