package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

// fragmentNamespace turns arbitrary fragment ids into the UUID point ids qdrant accepts.
var fragmentNamespace = uuid.MustParse("0b9c3f52-4a61-4c1e-8f7d-2f5d8f0c9a17")

func pointID(fragmentID string) string {
	return uuid.NewSHA1(fragmentNamespace, []byte(fragmentID)).String()
}

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

// Client is the vector store adapter over the qdrant REST API.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type point struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Upsert(ctx context.Context, fragmentID string, embedding []float32, metadata map[string]string) error {
	fragmentID = strings.TrimSpace(fragmentID)
	if fragmentID == "" || len(embedding) == 0 {
		return domain.NewError(domain.ErrInvalidInput, "qdrant upsert", "fragment id and embedding must be set")
	}
	if err := c.ensureCollection(ctx, len(embedding)); err != nil {
		return err
	}

	payload := map[string]any{"fragment_id": fragmentID}
	for k, v := range metadata {
		payload[k] = v
	}
	body := map[string]any{
		"points": []map[string]any{{
			"id":      pointID(fragmentID),
			"vector":  embedding,
			"payload": payload,
		}},
	}

	err := c.executor.Execute(ctx, "qdrant.upsert", func(ctx context.Context) error {
		return c.do(ctx, "upsert", http.MethodPut, c.collectionURL("/points?wait=true"), body, nil)
	}, resilience.ClassifyTransport)
	return resilience.Unavailable("qdrant upsert", err, resilience.ClassifyTransport)
}

func (c *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, filter domain.VectorFilter) ([]domain.VectorHit, error) {
	if len(queryEmbedding) == 0 {
		return nil, domain.NewError(domain.ErrInvalidInput, "qdrant search", "query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}
	body := map[string]any{
		"vector":       queryEmbedding,
		"limit":        topK,
		"with_payload": true,
	}
	if must := buildFilter(filter); len(must) > 0 {
		body["filter"] = map[string]any{"must": must}
	}

	var resp struct {
		Result []point `json:"result"`
	}
	err := c.executor.Execute(ctx, "qdrant.search", func(ctx context.Context) error {
		return c.do(ctx, "search", http.MethodPost, c.collectionURL("/points/search"), body, &resp)
	}, resilience.ClassifyTransport)
	if isStatus(err, http.StatusNotFound) {
		// The collection is created on first upsert; until then there is nothing to find.
		return nil, nil
	}
	if err != nil {
		return nil, resilience.Unavailable("qdrant search", err, resilience.ClassifyTransport)
	}

	out := make([]domain.VectorHit, 0, len(resp.Result))
	for _, p := range resp.Result {
		fragmentID := getStringPayload(p.Payload, "fragment_id")
		if fragmentID == "" {
			continue
		}
		out = append(out, domain.VectorHit{
			FragmentID: fragmentID,
			Score:      domain.ClampScore(p.Score),
			DocumentID: getStringPayload(p.Payload, "document_id"),
			Text:       getStringPayload(p.Payload, "text"),
			Rank:       len(out) + 1,
		})
	}
	return out, nil
}

// ExistingFragments resolves many fragment ids with a single point retrieval.
func (c *Client) ExistingFragments(ctx context.Context, fragmentIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(fragmentIDs))
	if len(fragmentIDs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(fragmentIDs))
	for _, id := range fragmentIDs {
		out[id] = false
		ids = append(ids, pointID(id))
	}

	var resp struct {
		Result []point `json:"result"`
	}
	body := map[string]any{"ids": ids, "with_payload": []string{"fragment_id"}, "with_vector": false}
	err := c.executor.Execute(ctx, "qdrant.retrieve", func(ctx context.Context) error {
		return c.do(ctx, "retrieve", http.MethodPost, c.collectionURL("/points"), body, &resp)
	}, resilience.ClassifyTransport)
	if isStatus(err, http.StatusNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, resilience.Unavailable("qdrant existing fragments", err, resilience.ClassifyTransport)
	}
	for _, p := range resp.Result {
		if id := getStringPayload(p.Payload, "fragment_id"); id != "" {
			out[id] = true
		}
	}
	return out, nil
}

func (c *Client) FragmentText(ctx context.Context, fragmentID string) (string, error) {
	var resp struct {
		Result *point `json:"result"`
	}
	err := c.executor.Execute(ctx, "qdrant.retrieve", func(ctx context.Context) error {
		return c.do(ctx, "retrieve", http.MethodGet, c.collectionURL("/points/"+url.PathEscape(pointID(fragmentID))), nil, &resp)
	}, resilience.ClassifyTransport)
	if isStatus(err, http.StatusNotFound) || (err == nil && resp.Result == nil) {
		return "", domain.NewError(domain.ErrNotFound, "qdrant fragment text", "fragment %q not found", fragmentID)
	}
	if err != nil {
		return "", resilience.Unavailable("qdrant fragment text", err, resilience.ClassifyTransport)
	}
	return getStringPayload(resp.Result.Payload, "text"), nil
}

// DeleteDocument removes every fragment indexed for documentID and reports how many there were.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, domain.NewError(domain.ErrInvalidInput, "qdrant delete document", "document id is empty")
	}
	filter := map[string]any{"must": buildFilter(domain.VectorFilter{DocumentID: documentID})}

	var counted struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := c.executor.Execute(ctx, "qdrant.count", func(ctx context.Context) error {
		return c.do(ctx, "count", http.MethodPost, c.collectionURL("/points/count"), map[string]any{"filter": filter, "exact": true}, &counted)
	}, resilience.ClassifyTransport)
	if isStatus(err, http.StatusNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, resilience.Unavailable("qdrant count document", err, resilience.ClassifyTransport)
	}
	if counted.Result.Count == 0 {
		return 0, nil
	}

	err = c.executor.Execute(ctx, "qdrant.delete", func(ctx context.Context) error {
		return c.do(ctx, "delete", http.MethodPost, c.collectionURL("/points/delete?wait=true"), map[string]any{"filter": filter}, nil)
	}, resilience.ClassifyTransport)
	if err != nil {
		return 0, resilience.Unavailable("qdrant delete document", err, resilience.ClassifyTransport)
	}
	return counted.Result.Count, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.executor.Execute(ctx, "qdrant.ensure_collection", func(ctx context.Context) error {
		return c.do(ctx, "ensure collection", http.MethodPut, c.collectionURL(""), body, nil)
	}, resilience.ClassifyTransport)
	// 409 means the collection already exists.
	if err != nil && !isStatus(err, http.StatusConflict) {
		return resilience.Unavailable("qdrant ensure collection", err, resilience.ClassifyTransport)
	}

	c.ensureMu.Lock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", c.baseURL, url.PathEscape(c.collection), suffix)
}

func (c *Client) do(ctx context.Context, operation, method, target string, in, out any) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.StatusError{
			Service:    "qdrant",
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func buildFilter(filter domain.VectorFilter) []map[string]any {
	var must []map[string]any
	if filter.DocumentID != "" {
		must = append(must, map[string]any{"key": "document_id", "match": map[string]any{"value": filter.DocumentID}})
	}
	if filter.Category != "" {
		must = append(must, map[string]any{"key": "category", "match": map[string]any{"value": filter.Category}})
	}
	return must
}

func isStatus(err error, code int) bool {
	var statusErr *resilience.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
