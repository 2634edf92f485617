package llm

import (
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role/formatting tokens of one message.
const perMessageOverhead = 4

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a reasonable approximation
// across providers.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text.
// Falls back to four characters per token if the codec is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		return len(text)/4 + 1
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

// messageTokens estimates the tokens a message contributes to a request.
func messageTokens(m models.Message) int {
	n := perMessageOverhead + EstimateTokens(m.Text)
	if m.ToolCall != nil {
		n += EstimateTokens(m.ToolCall.Arguments) + EstimateTokens(m.ToolCall.Result)
	}
	return n
}

// TrimToContext drops the oldest messages until the conversation fits in
// maxTokens. The newest message is always kept. maxTokens <= 0 disables trimming.
// Tool call records left at the head of the window are dropped too.
func TrimToContext(messages []models.Message, systemPrompt string, maxTokens int) []models.Message {
	if maxTokens <= 0 || len(messages) == 0 {
		return messages
	}

	budget := maxTokens - EstimateTokens(systemPrompt)
	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := messageTokens(messages[i])
		if i < len(messages)-1 && used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	for start < len(messages)-1 && messages[start].Role == models.RoleToolCall {
		start++
	}
	return messages[start:]
}
