package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// apiClient talks to a running API process. It implements the ontology writer
// used by seeding so seeds go through the live manager and its cache.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, httpClient *http.Client) *apiClient {
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *apiClient) Route(ctx context.Context, req domain.QueryRequest) (json.RawMessage, error) {
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, "/v1/route", req, &out)
}

func (c *apiClient) Query(ctx context.Context, req domain.QueryRequest, answer bool) (json.RawMessage, error) {
	path := "/v1/query"
	if answer {
		path = "/v1/answer"
	}
	var out json.RawMessage
	return out, c.do(ctx, http.MethodPost, path, req, &out)
}

func (c *apiClient) Stats(ctx context.Context) (domain.ServiceStats, error) {
	var out domain.ServiceStats
	return out, c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
}

func (c *apiClient) IndexDocument(ctx context.Context, input domain.DocumentInput, async bool) (domain.IndexResult, error) {
	body := struct {
		domain.DocumentInput
		Async bool `json:"async,omitempty"`
	}{DocumentInput: input, Async: async}
	var out domain.IndexResult
	return out, c.do(ctx, http.MethodPost, "/v1/documents", body, &out)
}

func (c *apiClient) DeleteDocument(ctx context.Context, documentID string) (domain.DeleteResult, error) {
	var out domain.DeleteResult
	return out, c.do(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(documentID), nil, &out)
}

func (c *apiClient) AddConcept(ctx context.Context, input domain.ConceptInput) (domain.Concept, error) {
	var out domain.Concept
	return out, c.do(ctx, http.MethodPost, "/v1/ontology/concepts", input, &out)
}

func (c *apiClient) AddRelation(ctx context.Context, kind domain.RelationKind, sourceID, targetID string, weight float64) (domain.ConceptRelation, error) {
	body := map[string]any{"kind": kind, "source_id": sourceID, "target_id": targetID}
	if weight > 0 {
		body["weight"] = weight
	}
	var out domain.ConceptRelation
	return out, c.do(ctx, http.MethodPost, "/v1/ontology/relations", body, &out)
}

func (c *apiClient) LinkEntity(ctx context.Context, entityID, conceptID string) (domain.EntityLink, error) {
	var out domain.EntityLink
	body := map[string]string{"entity_id": entityID, "concept_id": conceptID}
	return out, c.do(ctx, http.MethodPost, "/v1/ontology/links", body, &out)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}
	target, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "build api url", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(domain.ErrAdapterUnavailable, "call api "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return domain.WrapError(domain.ErrAdapterUnavailable, "read api response", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// statusError maps an API error response back to a domain error kind.
func statusError(path string, status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}

	kind := domain.ErrAdapterUnavailable
	switch status {
	case http.StatusBadRequest:
		kind = domain.ErrInvalidInput
	case http.StatusNotFound:
		kind = domain.ErrNotFound
	case http.StatusConflict:
		kind = domain.ErrCycleDetected
	case http.StatusUnprocessableEntity:
		kind = domain.ErrLowConfidence
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		kind = domain.ErrTemporary
	}
	return domain.NewError(kind, "call api "+path, "status %d: %s", status, message)
}
