package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const defaultMaxResponseBytes = 8 * 1024 * 1024

// wireRequest is the JSON body the host's chat/completions endpoint
// expects: {model, messages | prompt, temperature?, max_tokens?,
// stream:false}.
type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireResponse is the minimal shape the client extracts generated text
// and token usage from. The core treats the endpoint as opaque beyond
// this: no assumption about which engine serves it.
type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// HTTPClient implements Client over plain net/http.
type HTTPClient struct {
	httpClient       *http.Client
	maxResponseBytes int64
}

// NewHTTPClient builds an HTTPClient. One *http.Client without a
// client-wide timeout is shared by all calls; each call applies its own
// Request.Timeout through a context deadline, since each host/task pair
// may specify its own.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		httpClient:       &http.Client{},
		maxResponseBytes: defaultMaxResponseBytes,
	}
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := wireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, wireMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, wireMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, &DecodeError{Host: req.Host, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, req.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, &TransportError{Host: req.Host, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return Response{}, &TimeoutError{Host: req.Host}
		}
		if isConnError(err) {
			return Response{}, &TransportError{Host: req.Host, Err: err}
		}
		return Response{}, &TransportError{Host: req.Host, Err: err}
	}
	defer resp.Body.Close()

	data, err := readAllWithLimit(resp.Body, c.maxResponseBytes)
	if err != nil {
		if IsResponseTooLarge(err) {
			return Response{}, &DecodeError{Host: req.Host, Err: err}
		}
		return Response{}, &TransportError{Host: req.Host, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &HTTPStatusError{Host: req.Host, StatusCode: resp.StatusCode, Body: string(data)}
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, &DecodeError{Host: req.Host, Err: err}
	}

	text := ""
	if len(wire.Choices) > 0 {
		if wire.Choices[0].Message.Content != "" {
			text = wire.Choices[0].Message.Content
		} else {
			text = wire.Choices[0].Text
		}
	}
	if text == "" {
		return Response{}, &DecodeError{Host: req.Host, Err: errors.New("no completion text in response")}
	}

	return Response{
		Text:      text,
		TokensIn:  wire.Usage.PromptTokens,
		TokensOut: wire.Usage.CompletionTokens,
		Latency:   time.Since(start),
	}, nil
}

func isConnError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
