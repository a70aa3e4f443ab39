package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/user/schemaforge/pkg/llm"
)

// doneMarker terminates an SSE stream on OpenAI-compatible endpoints.
const doneMarker = "[DONE]"

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			// No overall timeout: streams stay open for the duration of a
			// generation and are bounded by the request context instead.
			Timeout: 0,
		},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []requestMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamChunk is one SSE data frame of a streamed chat completion.
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

// Stream sends a streaming chat completion request and returns a channel
// of incremental deltas parsed from the provider's SSE frames.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	reqMessages := make([]requestMessage, 0, 1+len(req.Messages))
	if req.System != "" {
		reqMessages = append(reqMessages, requestMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		reqMessages = append(reqMessages, requestMessage{Role: msg.Role, Content: msg.Content})
	}

	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: reqMessages,
		Stream:   true,
	}
	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan llm.Delta)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream scans SSE frames off the response body and forwards content
// deltas until the done marker, EOF, or a read failure. Every send is
// guarded by ctx so a consumer that stopped receiving (client
// disconnect) cannot strand this goroutine; the body read itself is also
// aborted by the request context.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.Delta) {
	defer close(ch)
	defer body.Close()

	send := func(delta llm.Delta) bool {
		select {
		case ch <- delta:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneMarker {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			send(llm.Delta{Err: fmt.Errorf("parsing stream chunk: %w", err)})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if !send(llm.Delta{Content: content}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
	}
}
