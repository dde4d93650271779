package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

const systemPrompt = `Answer user question only from the numbered context lines.
If context is insufficient, say it directly.`

const reasoningPrompt = `Explain briefly why the answer follows from the numbered context lines:
why the search strategy fit the question, which lines support the answer and what remains uncertain.`

type Config struct {
	APIKey     string
	BaseURL    string
	GenModel   string
	EmbedModel string
	HTTPClient *http.Client
	// PromptBudget caps the rendered context, in characters.
	PromptBudget int
}

// Client serves embeddings and answer generation from an OpenAI-compatible API.
type Client struct {
	api          *goopenai.Client
	genModel     string
	embedModel   string
	executor     *resilience.Executor
	promptBudget int
}

func New(cfg Config, executor *resilience.Executor) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, "openai client", "api key is required")
	}
	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		apiCfg.HTTPClient = cfg.HTTPClient
	}
	budget := cfg.PromptBudget
	if budget <= 0 {
		budget = 4000
	}
	return &Client{
		api:          goopenai.NewClientWithConfig(apiCfg),
		genModel:     cfg.GenModel,
		embedModel:   cfg.EmbedModel,
		executor:     executor,
		promptBudget: budget,
	}, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := resilience.Call(ctx, c.executor, "openai.embed", func(ctx context.Context) (goopenai.EmbeddingResponse, error) {
		return c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
			Model: goopenai.EmbeddingModel(c.embedModel),
			Input: texts,
		})
	}, classify)
	if err != nil {
		return nil, resilience.Unavailable("openai embed", err, classify)
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.NewError(domain.ErrAdapterUnavailable, "openai embed", "expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			continue
		}
		vector := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vector[i] = float32(v)
		}
		out[item.Index] = vector
	}
	return out, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) GenerateAnswer(ctx context.Context, question string, synthesized domain.SynthesizedContext) (string, error) {
	user := "Question:\n" + question + "\n\nContext:\n" + c.renderContext(synthesized)
	if synthesized.Degraded {
		user += "\n\nSome retrieval sources were unavailable; the context may be incomplete."
	}
	return c.chat(ctx, "openai generate", systemPrompt, user)
}

func (c *Client) GenerateReasoning(ctx context.Context, question string, synthesized domain.SynthesizedContext, answer string) (string, error) {
	user := "Question:\n" + question +
		"\n\nSearch strategy: " + string(synthesized.Strategy) +
		"\n\nContext:\n" + c.renderContext(synthesized) +
		"\n\nAnswer:\n" + strings.TrimSpace(answer)
	return c.chat(ctx, "openai reasoning", reasoningPrompt, user)
}

func (c *Client) renderContext(synthesized domain.SynthesizedContext) string {
	contextText := synthesized.Render(c.promptBudget)
	if contextText == "" {
		return "(no context retrieved)"
	}
	return contextText
}

func (c *Client) chat(ctx context.Context, op, system, user string) (string, error) {
	resp, err := resilience.Call(ctx, c.executor, "openai.generate", func(ctx context.Context) (goopenai.ChatCompletionResponse, error) {
		return c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model: c.genModel,
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleSystem, Content: system},
				{Role: goopenai.ChatMessageRoleUser, Content: user},
			},
		})
	}, classify)
	if err != nil {
		return "", resilience.Unavailable(op, err, classify)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewError(domain.ErrAdapterUnavailable, op, "no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify maps API status codes onto the shared transport rules.
func classify(err error) resilience.ErrorClassification {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return statusClass(apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return statusClass(reqErr.HTTPStatusCode)
	}
	return resilience.ClassifyTransport(err)
}

func statusClass(code int) resilience.ErrorClassification {
	if resilience.RetryableStatus(code) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{}
}
