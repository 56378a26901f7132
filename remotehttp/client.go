package remotehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/mobilefin/finsync/finsync"
)

// TokenFunc supplies the JWT bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Client is the HTTP-backed remote store.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenFunc
}

var _ finsync.RemoteStore = (*Client)(nil)

// NewClient builds a client against baseURL (no trailing slash).
func NewClient(baseURL string, token TokenFunc) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{},
		Token:   token,
	}
}

func (c *Client) Collection(path string) finsync.RemoteCollection {
	return &httpCollection{client: c, path: path}
}

func (c *Client) Batch() finsync.RemoteBatch {
	return &httpBatch{client: c}
}

// do sends an authenticated JSON request and decodes the response into out
// (out may be nil for write calls).
func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type httpCollection struct {
	client *Client
	path   string
}

func (c *httpCollection) Path() string { return c.path }

// NewDocID allocates document ids client-side; the server treats them as
// opaque keys.
func (c *httpCollection) NewDocID() string { return uuid.NewString() }

func (c *httpCollection) Get(ctx context.Context) ([]finsync.RemoteDocument, error) {
	url := fmt.Sprintf("%s/v1/docs/%s", c.client.BaseURL, c.path)
	return c.fetch(ctx, url)
}

func (c *httpCollection) QueryUpdatedAfter(ctx context.Context, ts int64) ([]finsync.RemoteDocument, error) {
	url := fmt.Sprintf("%s/v1/docs/%s?after=%d", c.client.BaseURL, c.path, ts)
	return c.fetch(ctx, url)
}

func (c *httpCollection) fetch(ctx context.Context, url string) ([]finsync.RemoteDocument, error) {
	var resp QueryResponse
	if err := c.client.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	docs := make([]finsync.RemoteDocument, 0, len(resp.Documents))
	for _, d := range resp.Documents {
		docs = append(docs, finsync.RemoteDocument{
			ID:        d.ID,
			Data:      d.Data,
			UpdatedAt: wireUpdatedAt(d.Data),
		})
	}
	return docs, nil
}

func (c *httpCollection) Set(ctx context.Context, id string, data map[string]any) error {
	url := fmt.Sprintf("%s/v1/docs/%s/%s", c.client.BaseURL, c.path, id)
	return c.client.do(ctx, http.MethodPut, url, data, nil)
}

type httpBatch struct {
	client *Client
	ops    []BatchOperation
}

func (b *httpBatch) Set(collection, id string, data map[string]any) {
	b.ops = append(b.ops, BatchOperation{Collection: collection, ID: id, Data: data})
}

func (b *httpBatch) Len() int { return len(b.ops) }

func (b *httpBatch) Commit(ctx context.Context) error {
	if len(b.ops) > finsync.RemoteBatchLimit {
		return fmt.Errorf("%w: %d operations, limit %d",
			finsync.ErrBatchTooLarge, len(b.ops), finsync.RemoteBatchLimit)
	}
	if len(b.ops) == 0 {
		return nil
	}
	url := b.client.BaseURL + "/v1/batch"
	return b.client.do(ctx, http.MethodPost, url, &BatchRequest{Operations: b.ops}, nil)
}

// wireUpdatedAt mirrors the updatedAt payload field; JSON numbers decode as
// float64.
func wireUpdatedAt(data map[string]any) int64 {
	switch v := data["updatedAt"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
