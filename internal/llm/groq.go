package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkeller/valet-agent/internal/httpkit"
)

const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// GroqClient is a client for the Groq chat completions API. The wire
// format is OpenAI-compatible, so BaseURL can point at any endpoint
// that speaks that dialect.
type GroqClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGroqClient creates a new Groq client. baseURL may be empty to use
// the public Groq endpoint.
func NewGroqClient(apiKey, baseURL string, logger *slog.Logger) *GroqClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}

	// Completions with large prompts can take a while before headers
	// arrive. Use a transport with a generous response header timeout
	// and rely on ctx deadlines for overall control.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &GroqClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "groq"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI-compatible request/response types. Tool call arguments travel
// as a JSON-encoded string on the wire; conversion to and from
// map[string]any happens here at the provider boundary.

type groqRequest struct {
	Model    string           `json:"model"`
	Messages []groqMessage    `json:"messages"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type groqMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []groqToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type groqToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type groqResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      groqMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends a chat completion request.
func (c *GroqClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := groqRequest{
		Model:    model,
		Messages: convertToGroq(messages),
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	var gr groqResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if gr.Error != nil {
		return nil, fmt.Errorf("API error: %s", gr.Error.Message)
	}
	if len(gr.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	msg, err := convertFromGroq(gr.Choices[0].Message)
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		Model:        gr.Model,
		CreatedAt:    time.Unix(gr.Created, 0),
		Message:      msg,
		InputTokens:  gr.Usage.PromptTokens,
		OutputTokens: gr.Usage.CompletionTokens,
	}, nil
}

// Ping checks if the provider is reachable and the key is accepted.
func (c *GroqClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func convertToGroq(messages []Message) []groqMessage {
	out := make([]groqMessage, 0, len(messages))
	for _, m := range messages {
		gm := groqMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			gtc := groqToolCall{ID: tc.ID, Type: "function"}
			gtc.Function.Name = tc.Function.Name
			gtc.Function.Arguments = string(args)
			gm.ToolCalls = append(gm.ToolCalls, gtc)
		}
		out = append(out, gm)
	}
	return out
}

func convertFromGroq(gm groqMessage) (Message, error) {
	msg := Message{
		Role:    gm.Role,
		Content: gm.Content,
	}
	for _, gtc := range gm.ToolCalls {
		args := map[string]any{}
		if gtc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(gtc.Function.Arguments), &args); err != nil {
				return Message{}, fmt.Errorf("tool call %s: decode arguments: %w", gtc.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, NewToolCall(gtc.ID, gtc.Function.Name, args))
	}
	return msg, nil
}
