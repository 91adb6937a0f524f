package openai

import (
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/civigraph/ledger/pkg/ai"
)

// OpenAIClient implements ai.AIClient against OpenAI-compatible endpoints.
// It manages separate clients for embeddings and chat/completion tasks so
// the two concerns can point at different providers.
//
// An OpenAIClient should be created using NewOpenAIClient.
type OpenAIClient struct {
	chatModel      string
	embeddingModel string

	chatURL      string
	chatKey      string
	embeddingURL string
	embeddingKey string

	timeoutMin int
	reqLock    *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewOpenAIClientParams defines the configuration parameters for creating a
// new OpenAIClient.
//
// ChatModel is used for oracle completions, EmbeddingModel for embeddings.
// The URL/Key pairs configure the two endpoints independently; an empty URL
// means the default OpenAI endpoint.
type NewOpenAIClientParams struct {
	ChatModel      string
	EmbeddingModel string

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	TimeoutMin            int
	MaxConcurrentRequests int64
}

// NewOpenAIClient creates a new OpenAIClient configured with the provided
// parameters.
//
// Example:
//
//	client := openai.NewOpenAIClient(openai.NewOpenAIClientParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//	})
func NewOpenAIClient(params NewOpenAIClientParams) *OpenAIClient {
	timeoutMin := params.TimeoutMin
	if timeoutMin <= 0 {
		timeoutMin = 5
	}
	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	return &OpenAIClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		timeoutMin: timeoutMin,
		reqLock:    semaphore.NewWeighted(maxConcurrent),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(baseURL string, apiKey string) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
