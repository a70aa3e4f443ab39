package relay

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/schemaforge/pkg/llm"
)

// responseInstructions is the fixed formatting contract appended to every
// system instruction: the model must answer with a single schema object
// and nothing else.
const responseInstructions = `Respond with a single JSON object describing the requested UI. ` +
	`Use only the components and properties defined in the contract above. ` +
	`Do not wrap the JSON in markdown fences and do not add commentary before or after it.`

// Composer assembles token-budgeted generation requests.
type Composer struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewComposer creates a composer for the given model's tokenizer.
// maxTokens is the model's context window; reserve is held back for the
// model's response.
func NewComposer(model string, maxTokens, reserve int) (*Composer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Composer{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// countTokens returns the token count for a string.
func (c *Composer) countTokens(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Compose builds the system instruction from the contract document and
// the ordered message list from prior turns plus the new prompt. History
// is trimmed oldest-first when it exceeds its share of the input budget,
// keeping the most recent turns.
func (c *Composer) Compose(document, prompt string, history []llm.Message) llm.Request {
	system := document + "\n\n" + responseInstructions

	inputBudget := c.maxTokens - c.reserve
	remaining := inputBudget - c.countTokens(system) - c.countTokens(prompt)

	// 70% of what's left goes to history, leaving headroom for message
	// overhead the per-string counts don't see.
	historyBudget := int(float64(remaining) * 0.7)

	var kept []llm.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msgTokens := c.countTokens(history[i].Content)
		if used+msgTokens > historyBudget {
			break
		}
		kept = append(kept, history[i])
		used += msgTokens
	}
	// kept was gathered newest-first; restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	messages := make([]llm.Message, 0, len(kept)+1)
	messages = append(messages, kept...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	return llm.Request{System: system, Messages: messages}
}
