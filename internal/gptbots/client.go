// Package gptbots provides HTTP clients for the GPTBots conversation and
// knowledge base APIs.
package gptbots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the GPTBots conversation (agent) API.
type Client struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	client     *http.Client
}

// NewClient creates a conversation client. A zero timeout disables the
// per-request deadline, which blocking agent calls on long documents need.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxRetries int) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		MaxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
	}
}

// CreateConversationRequest represents the payload for opening a conversation.
type CreateConversationRequest struct {
	UserID string `json:"user_id"`
}

// CreateConversationResponse represents the conversation creation response.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// MessageRequest represents a blocking message sent into a conversation.
type MessageRequest struct {
	ConversationID string `json:"conversation_id"`
	ResponseMode   string `json:"response_mode"`
	Text           string `json:"text"`
}

// MessageOutput is one output element of an agent response.
type MessageOutput struct {
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// MessageResponse represents the agent's blocking response.
type MessageResponse struct {
	Output []MessageOutput `json:"output"`
}

// CreateConversation opens a new conversation for the given user ID.
func (c *Client) CreateConversation(ctx context.Context, userID string) (string, error) {
	payload := CreateConversationRequest{UserID: userID}

	var resp CreateConversationResponse
	if err := c.post(ctx, "/v1/conversation", payload, &resp); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if resp.ConversationID == "" {
		return "", fmt.Errorf("conversation response missing conversation_id")
	}
	return resp.ConversationID, nil
}

// SendMessage sends text into a conversation in blocking mode and returns
// the agent's text output. Transient failures are retried with exponential
// backoff up to MaxRetries attempts.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	payload := MessageRequest{
		ConversationID: conversationID,
		ResponseMode:   "blocking",
		Text:           text,
	}

	attempts := c.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		var resp MessageResponse
		if err := c.post(ctx, "/v2/conversation/message", payload, &resp); err != nil {
			lastErr = err
			continue
		}
		if len(resp.Output) == 0 || resp.Output[0].Content.Text == "" {
			lastErr = fmt.Errorf("agent response contained no output text")
			continue
		}
		return resp.Output[0].Content.Text, nil
	}
	return "", fmt.Errorf("failed to send message after %d attempts: %w", attempts, lastErr)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	return doJSON(ctx, c.client, http.MethodPost, c.BaseURL+path, c.APIKey, payload, out)
}

// doJSON performs one authenticated JSON round trip against the GPTBots API.
func doJSON(ctx context.Context, client *http.Client, method, url, apiKey string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bad status %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
