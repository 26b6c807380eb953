package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// Message is one turn of a chat completion request
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request describes a single completion call
type Request struct {
	Service     string
	Model       string
	APIKey      string
	BaseURL     string
	System      string
	Messages    []Message
	Temperature float64
}

// Usage is the token accounting reported by the provider
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed LLM call
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Client performs chat completions
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Service is the production Client: an OpenAI-compatible chat client
// with bounded exponential retry. Underlying SDK clients are cached per
// key and base URL, so per-person credentials stay cheap.
type Service struct {
	cfg config.LLMConfig
	log *logger.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewService creates an LLM service
func NewService(cfg config.LLMConfig, log *logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log,
		clients: make(map[string]*openai.Client),
	}
}

func (s *Service) client(apiKey, baseURL string) *openai.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := apiKey + "\x00" + baseURL
	if c, ok := s.clients[cacheKey]; ok {
		return c
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	c := openai.NewClientWithConfig(clientCfg)
	s.clients[cacheKey] = c
	return c
}

// Complete runs one chat completion, retrying transient failures
func (s *Service) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("llm: missing api key")
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}

	client := s.client(req.APIKey, req.BaseURL)

	var lastErr error
	attempts := s.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			s.log.Warn("retrying llm call", "model", model, "attempt", attempt, "error", lastErr)
		}

		callCtx := ctx
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}

		resp, err := client.CreateChatCompletion(callCtx, chatReq)
		if err != nil {
			lastErr = err
			if retryable(err) && ctx.Err() == nil {
				continue
			}
			return nil, fmt.Errorf("llm: completion failed: %w", err)
		}

		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("llm: provider returned no choices")
		}

		return &Response{
			Text:  resp.Choices[0].Message.Content,
			Model: resp.Model,
			Usage: Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		}, nil
	}

	return nil, fmt.Errorf("llm: completion failed after %d attempts: %w", attempts, lastErr)
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	wait := s.cfg.RetryMinWait << (attempt - 1)
	if max := s.cfg.RetryMaxWait; max > 0 && wait > max {
		wait = max
	}
	if wait <= 0 {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// retryable reports whether an error is worth another attempt: rate
// limits, server-side failures and transport hiccups
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
