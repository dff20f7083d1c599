// Package goldsky queries the Polymarket orderbook subgraph hosted on Goldsky.
// The pipeline only reads the subgraph's indexed head, as an independent
// reference for how far the chain tail lags.
package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a GraphQL client for a Goldsky subgraph endpoint.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Goldsky GraphQL client. A zero timeout means 10s.
func NewClient(graphqlURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const headQuery = `query Head { _meta { block { number } hasIndexingErrors } }`

// HeadBlock returns the latest block the subgraph has indexed. A subgraph
// reporting indexing errors is treated as unavailable.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	data, err := c.doQuery(ctx, headQuery, nil)
	if err != nil {
		return 0, fmt.Errorf("goldsky: head block: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
			HasIndexingErrors bool `json:"hasIndexingErrors"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("goldsky: decode head block: %w", err)
	}
	if result.Meta.HasIndexingErrors {
		return 0, fmt.Errorf("goldsky: subgraph reports indexing errors at block %d", result.Meta.Block.Number)
	}
	return result.Meta.Block.Number, nil
}

// doQuery executes a GraphQL query and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var gql graphqlResponse
	if err := json.Unmarshal(raw, &gql); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gql.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gql.Errors[0].Message)
	}
	return gql.Data, nil
}
