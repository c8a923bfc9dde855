package recordstore

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
	"time"
)

var ErrNotFound = errors.New("record not found")

// App identifies one application (collection) in the record store,
// together with the API token scoped to it.
type App struct {
	ID    string
	Token string
}

type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{cfg: cfg}
}

// Records fetches all records of the app matching an equality query.
func (c *Client) Records(ctx context.Context, app App, query string) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/k/v1/records.json?app=%s&query=%s",
		c.cfg.BaseURL, url.QueryEscape(app.ID), url.QueryEscape(query))

	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.call(ctx, http.MethodGet, endpoint, app.Token, nil, &out); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out.Records, nil
}

// FirstMatching returns the single record matching the query, or
// ErrNotFound when nothing matches.
func (c *Client) FirstMatching(ctx context.Context, app App, query string) (Record, error) {
	records, err := c.Records(ctx, app, query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// UpdateRecord writes the given fields onto one record. The write is
// atomic for this call only; the store offers no transactions.
func (c *Client) UpdateRecord(ctx context.Context, app App, id string, fields Record) error {
	payload := map[string]any{
		"app":    app.ID,
		"id":     id,
		"record": fields,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal update payload: %w", err)
	}
	if err := c.call(ctx, http.MethodPut, c.cfg.BaseURL+"/k/v1/record.json", app.Token, body, nil); err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	return nil
}

// DownloadFile downloads attachment bytes by file key.
func (c *Client) DownloadFile(ctx context.Context, app App, fileKey string) ([]byte, error) {
	endpoint := c.cfg.BaseURL + "/k/v1/file.json?fileKey=" + url.QueryEscape(fileKey)

	data, err := c.callRetry(ctx, http.MethodGet, endpoint, app.Token, nil)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileKey, err)
	}
	return data, nil
}

func (c *Client) call(ctx context.Context, method, endpoint, token string, body []byte, out any) error {
	respBody, err := c.callRetry(ctx, method, endpoint, token, body)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) callRetry(ctx context.Context, method, endpoint, token string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		respBody, retry, err := c.callOnce(ctx, method, endpoint, token, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, method, endpoint, token string, body []byte) (respBody []byte, retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Cybozu-API-Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("record store temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("record store status %d", resp.StatusCode)
	}
	return respBody, false, nil
}
