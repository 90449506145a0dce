package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ClientConfig configures the OpenAI-compatible requester.
type ClientConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Client is a Requester backed by an OpenAI-compatible chat completion
// endpoint. One underlying client is kept per base URL so endpoint
// failover reuses warm connections.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewClient creates an OpenAI-compatible requester.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	return &Client{
		cfg:     cfg,
		clients: make(map[string]*openai.Client),
	}
}

// Do implements Requester.
func (c *Client) Do(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	client := c.clientFor(baseURL)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(req.LanguageCode),
	})
	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		case "system":
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    messages,
		User:        req.UserID,
	})
	if err != nil {
		return nil, classifyRequestError(err, req.RequestID)
	}
	if len(resp.Choices) == 0 {
		return nil, &UpstreamError{Status: 502, Description: "no choices in completion", RequestID: req.RequestID}
	}
	return &Response{Text: resp.Choices[0].Message.Content, RequestID: resp.ID}, nil
}

func (c *Client) clientFor(baseURL string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[baseURL]; ok {
		return client
	}
	clientConfig := openai.DefaultConfig(c.cfg.APIKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = newHTTPClient()
	client := openai.NewClientWithConfig(clientConfig)
	c.clients[baseURL] = client
	return client
}

// classifyRequestError converts go-openai errors into *UpstreamError so the
// queue's retry classifier can act on them.
func classifyRequestError(err error, requestID string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			Status:      apiErr.HTTPStatusCode,
			Description: apiErr.Message,
			RequestID:   requestID,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{
			Status:      reqErr.HTTPStatusCode,
			Description: reqErr.Error(),
			RequestID:   requestID,
		}
	}
	// Transport-level failure.
	return &UpstreamError{Status: 0, Description: err.Error(), RequestID: requestID}
}

func systemPrompt(languageCode string) string {
	base := "You are a concise, helpful assistant in a chat conversation. Answer in plain text."
	if languageCode != "" {
		return fmt.Sprintf("%s Prefer answering in the user's language (%s).", base, languageCode)
	}
	return base
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

var _ Requester = (*Client)(nil)
