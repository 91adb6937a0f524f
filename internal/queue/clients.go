package queue

import (
	"github.com/civigraph/ledger/internal/util"
	"github.com/civigraph/ledger/pkg/ai"
	oai "github.com/civigraph/ledger/pkg/ai/ollama"
	gai "github.com/civigraph/ledger/pkg/ai/openai"
)

// NewAIClientFromEnv builds the oracle and embedding client from the
// AI_ADAPTER environment switch. Anything other than "ollama" selects the
// OpenAI-compatible client.
func NewAIClientFromEnv() (ai.AIClient, error) {
	if util.GetEnv("AI_ADAPTER") == "ollama" {
		client, err := oai.NewOllamaClient(oai.NewOllamaClientParams{
			ChatModel:      util.GetEnv("AI_CHAT_MODEL"),
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	return gai.NewOpenAIClient(gai.NewOpenAIClientParams{
		ChatModel:      util.GetEnv("AI_CHAT_MODEL"),
		EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),

		ChatURL:      util.GetEnv("AI_CHAT_URL"),
		ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
		EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
	}), nil
}
