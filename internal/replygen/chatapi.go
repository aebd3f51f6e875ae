package replygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultSystemPrompt = "你是闲鱼平台上卖家的智能助手，请帮助卖家回复买家的询问，保持礼貌和专业。"

type ChatAPIOptions struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	HTTPClient   *http.Client
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// ChatAPIGenerator posts OpenAI-style chat completion requests. Generation
// temperature rises slightly with the bargain count so repeated haggling
// gets less formulaic answers.
type ChatAPIGenerator struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func NewChatAPIGenerator(opts ChatAPIOptions) (*ChatAPIGenerator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("replygen: base url is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "qwen-max"
	}
	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &ChatAPIGenerator{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(opts.APIKey),
		model:        model,
		systemPrompt: systemPrompt,
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
	}, nil
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *ChatAPIGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Reply{Text: GreetingReply}, nil
	}

	payload := chatCompletionRequest{
		Model:       g.model,
		Messages:    g.buildMessages(req, message),
		Temperature: temperature(req.BargainCount),
		MaxTokens:   500,
		TopP:        0.8,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}

	text, err := g.post(ctx, body)
	if err != nil {
		return Reply{}, err
	}
	text = FilterReply(strings.TrimSpace(text))
	if text == "" {
		return Reply{}, errors.New("replygen: empty completion")
	}
	return Reply{
		Text:         text,
		PriceRelated: PriceRelated(message, text),
	}, nil
}

func (g *ChatAPIGenerator) buildMessages(req Request, message string) []chatMessage {
	var history strings.Builder
	for _, turn := range req.Context {
		history.WriteString(turn.Role)
		history.WriteString(": ")
		history.WriteString(turn.Text)
		history.WriteString("\n")
	}
	itemDesc := req.ItemDescription
	if strings.TrimSpace(itemDesc) == "" {
		itemDesc = "unknown_item"
	}
	system := fmt.Sprintf("【商品信息】%s\n【你与客户对话历史】%s\n【议价次数】%d\n%s",
		itemDesc, history.String(), req.BargainCount, g.systemPrompt)
	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: message},
	}
}

func (g *ChatAPIGenerator) post(ctx context.Context, body []byte) (string, error) {
	url := g.baseURL + "/chat/completions"
	correlationID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Correlation-Id", correlationID)
		if g.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
		}

		resp, err := g.httpClient.Do(httpReq)
		if err != nil {
			if attempt < g.maxRetries {
				if waitErr := sleepContext(ctx, g.retryDelay(attempt+1, "")); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return "", readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var parsed chatCompletionResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return "", err
			}
			if len(parsed.Choices) == 0 {
				return "", errors.New("replygen: completion returned no choices")
			}
			return parsed.Choices[0].Message.Content, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < g.maxRetries {
			if waitErr := sleepContext(ctx, g.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return "", waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed chatCompletionResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			message = parsed.Error.Message
		}
		return "", fmt.Errorf("replygen: completion failed: status=%d message=%s", resp.StatusCode, message)
	}
}

// temperature rises with the bargain count, capped at +0.3.
func temperature(bargainCount int) float64 {
	bump := float64(bargainCount) * 0.05
	if bump > 0.3 {
		bump = 0.3
	}
	return 0.4 + bump
}

func (g *ChatAPIGenerator) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > g.maxDelay {
			return g.maxDelay
		}
		return retryAfter
	}
	delay := g.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.maxDelay {
			return g.maxDelay
		}
	}
	if delay > g.maxDelay {
		return g.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
