// Package rerank reorders search candidates with a hosted cross-encoder.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is one reranked candidate: Index points into the input slice.
type Result struct {
	Index int
	Score float64
}

type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Enabled reports whether a real provider is configured. When false, Rerank
// returns the identity order and callers can skip the stage entirely.
func (c *Client) Enabled() bool {
	return c.provider == "jina" || c.provider == "cohere"
}

// Rerank scores each (query, doc) pair and returns results in descending
// relevance order.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]Result, error) {
	switch c.provider {
	case "jina":
		return c.call(ctx, "https://api.jina.ai/v1/rerank", "jina", map[string]interface{}{
			"model":     "jina-reranker-v1-base-en",
			"query":     query,
			"documents": docs,
		}, len(docs))
	case "cohere":
		return c.call(ctx, "https://api.cohere.ai/v1/rerank", "cohere", map[string]interface{}{
			"model":            "rerank-english-v3.0",
			"query":            query,
			"documents":        docs,
			"top_n":            len(docs),
			"return_documents": false,
		}, len(docs))
	}

	// Identity order with untouched scores.
	results := make([]Result, len(docs))
	for i := range results {
		results[i] = Result{Index: i}
	}
	return results, nil
}

func (c *Client) call(ctx context.Context, url, name string, reqBody map[string]interface{}, n int) ([]Result, error) {
	if c.baseURL != "" {
		url = c.baseURL
	}

	jsonBody, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s api error: %d: %s", name, resp.StatusCode, string(body))
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	results := make([]Result, 0, n)
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < n {
			results = append(results, Result{Index: r.Index, Score: r.Score})
		}
	}
	return results, nil
}
