package openai_assistants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/llm"
)

const betaHeader = "assistants=v2"

type Config struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
	IndexPollGap time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.IndexPollGap <= 0 {
		cfg.IndexPollGap = 1 * time.Second
	}
	return &Client{cfg: cfg}
}

var _ llm.Service = (*Client)(nil)

func (c *Client) CreateAssistant(ctx context.Context, name, instructions, model string) (string, error) {
	payload := map[string]any{
		"name":         name,
		"instructions": instructions,
		"model":        model,
		"tools":        []map[string]string{{"type": "file_search"}},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/assistants", payload, &out); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	return out.ID, nil
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return out.ID, nil
}

func (c *Client) CreateVectorStore(ctx context.Context, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/vector_stores", map[string]any{"name": name}, &out); err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}
	return out.ID, nil
}

func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("write file payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apiError(resp.StatusCode, respBody)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) AttachFileToVectorStore(ctx context.Context, storeID, fileID string) error {
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	path := "/vector_stores/" + storeID + "/files"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"file_id": fileID}, &created); err != nil {
		return fmt.Errorf("attach file to vector store: %w", err)
	}

	status := created.Status
	for status == "in_progress" || status == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.IndexPollGap):
		}

		var current struct {
			Status    string `json:"status"`
			LastError *struct {
				Message string `json:"message"`
			} `json:"last_error"`
		}
		if err := c.doJSON(ctx, http.MethodGet, path+"/"+fileID, nil, &current); err != nil {
			return fmt.Errorf("poll vector store file: %w", err)
		}
		status = current.Status
		if status == "failed" || status == "cancelled" {
			msg := status
			if current.LastError != nil && current.LastError.Message != "" {
				msg = current.LastError.Message
			}
			return fmt.Errorf("vector store indexing failed: %s", msg)
		}
	}
	return nil
}

func (c *Client) AppendMessage(ctx context.Context, threadID, role, content string) error {
	payload := map[string]any{"role": role, "content": content}
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+threadID+"/messages", payload, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (c *Client) StartRun(ctx context.Context, threadID string, params llm.RunParams) (llm.Run, error) {
	payload := map[string]any{
		"assistant_id": params.AssistantID,
	}
	if params.Model != "" {
		payload["model"] = params.Model
	}
	if params.Instructions != "" {
		payload["instructions"] = params.Instructions
	}
	if len(params.VectorStoreIDs) > 0 {
		payload["tool_resources"] = map[string]any{
			"file_search": map[string]any{"vector_store_ids": params.VectorStoreIDs},
		}
	}
	if params.Temperature > 0 {
		payload["temperature"] = params.Temperature
	}
	if params.TopP > 0 {
		payload["top_p"] = params.TopP
	}
	if params.PresencePenalty != 0 {
		payload["presence_penalty"] = params.PresencePenalty
	}
	if params.FrequencyPenalty != 0 {
		payload["frequency_penalty"] = params.FrequencyPenalty
	}
	if params.MaxOutputTokens > 0 {
		payload["max_completion_tokens"] = params.MaxOutputTokens
	}
	if params.ResponseFormat != "" {
		payload["response_format"] = map[string]any{"type": params.ResponseFormat}
	}

	var out runEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+threadID+"/runs", payload, &out); err != nil {
		return llm.Run{}, fmt.Errorf("start run: %w", err)
	}
	return out.toRun(), nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (llm.Run, error) {
	var out runEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &out); err != nil {
		return llm.Run{}, fmt.Errorf("get run: %w", err)
	}
	return out.toRun(), nil
}

func (c *Client) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]llm.Message, error) {
	if limit < 1 {
		limit = 1
	}
	path := fmt.Sprintf("/threads/%s/messages?order=desc&limit=%d", threadID, limit)

	var out struct {
		Data []struct {
			ID      string `json:"id"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]llm.Message, 0, len(out.Data))
	for _, m := range out.Data {
		var parts []string
		for _, part := range m.Content {
			if part.Type == "text" && part.Text.Value != "" {
				parts = append(parts, part.Text.Value)
			}
		}
		msgs = append(msgs, llm.Message{ID: m.ID, Role: m.Role, Text: strings.Join(parts, "\n")})
	}
	return msgs, nil
}

type runEnvelope struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

func (e runEnvelope) toRun() llm.Run {
	r := llm.Run{ID: e.ID, Status: llm.RunStatus(e.Status)}
	if e.LastError != nil {
		r.LastError = e.LastError.Message
	}
	return r
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		retry, err := c.callOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *Client) callOnce(ctx context.Context, method, path string, body []byte, out any) (retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, apiError(resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, apiError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return false, nil
}

func (c *Client) setAuth(req *http.Request) {
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("OpenAI-Beta", betaHeader)
}

func apiError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("assistants api status %d: %s", status, envelope.Error.Message)
	}
	return fmt.Errorf("assistants api status %d", status)
}
