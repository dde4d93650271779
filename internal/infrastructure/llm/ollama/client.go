package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

// WithPromptBudget caps the rendered context handed to the model, in characters.
func WithPromptBudget(maxChars int) Option {
	return func(c *Client) {
		if maxChars > 0 {
			c.promptBudget = maxChars
		}
	}
}

type Client struct {
	baseURL      string
	genModel     string
	embedModel   string
	httpClient   *http.Client
	executor     *resilience.Executor
	promptBudget int
}

func New(baseURL, genModel, embedModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		genModel:     genModel,
		embedModel:   embedModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		promptBudget: 4000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.client.executor.Execute(ctx, "ollama.embed", func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	}, resilience.ClassifyTransport)
	if err != nil {
		return nil, resilience.Unavailable("ollama embed", err, resilience.ClassifyTransport)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.NewError(domain.ErrAdapterUnavailable, "ollama embed", "expected %d embeddings, got %d", len(texts), len(response.Embeddings))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) GenerateAnswer(ctx context.Context, question string, synthesized domain.SynthesizedContext) (string, error) {
	return g.client.generateText(ctx, buildAnswerPrompt(question, synthesized, g.client.promptBudget))
}

func (g *Generator) GenerateReasoning(ctx context.Context, question string, synthesized domain.SynthesizedContext, answer string) (string, error) {
	return g.client.generateText(ctx, buildReasoningPrompt(question, synthesized, answer, g.client.promptBudget))
}

func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
	}
	var response struct {
		Response string `json:"response"`
	}
	err := c.executor.Execute(ctx, "ollama.generate", func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/generate", reqBody, &response, "generate")
	}, resilience.ClassifyTransport)
	if err != nil {
		return "", resilience.Unavailable("ollama generate", err, resilience.ClassifyTransport)
	}
	return strings.TrimSpace(response.Response), nil
}
