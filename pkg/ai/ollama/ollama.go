package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/civigraph/ledger/pkg/ai"
)

// OllamaClient implements the ai.AIClient interface using Ollama as the
// backend, for running the oracle and embedding models locally.
type OllamaClient struct {
	chatModel      string
	embeddingModel string

	timeoutMin int
	reqLock    *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client

	Client *api.Client
}

// NewOllamaClientParams contains configuration options for creating a new OllamaClient.
type NewOllamaClientParams struct {
	ChatModel      string
	EmbeddingModel string

	BaseURL string
	ApiKey  string

	TimeoutMin            int
	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewOllamaClient creates a new Ollama-based AI client with the specified
// configuration. It connects to the Ollama server at the given BaseURL
// (or the default if empty).
func NewOllamaClient(params NewOllamaClientParams) (*OllamaClient, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

	timeoutMin := params.TimeoutMin
	if timeoutMin <= 0 {
		timeoutMin = 10
	}
	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &OllamaClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,

		timeoutMin: timeoutMin,
		reqLock:    semaphore.NewWeighted(maxConcurrent),

		baseURL:    u,
		apiKey:     params.ApiKey,
		httpClient: httpClient,

		Client: api.NewClient(u, httpClient),
	}, nil
}
