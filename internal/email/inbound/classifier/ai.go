package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Completer sends a system and user prompt to a language model and returns
// the raw reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// ChatOption customizes a ChatClient.
type ChatOption func(*ChatClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ChatOption {
	return func(cc *ChatClient) {
		if c != nil {
			cc.client = c
		}
	}
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) ChatOption {
	return func(cc *ChatClient) {
		if n > 0 {
			cc.maxTokens = n
		}
	}
}

// NewChatClient builds a client for baseURL (for example https://api.openai.com/v1).
func NewChatClient(baseURL, apiKey, model string, opts ...ChatOption) *ChatClient {
	c := &ChatClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		maxTokens:   500,
		temperature: 0.7,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Completer.
func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return "", fmt.Errorf("chat request: status %d: %s", resp.StatusCode, snippet)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("chat error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

const systemPrompt = `You are a customer support triage assistant for an online print-on-demand store.
Reply with strict JSON only, no commentary, using exactly these fields:
{"category": one of order_status|shipping|return_refund|product_question|billing|complaint|general,
 "urgency": one of low|medium|high|urgent,
 "order_id": the order number as an integer or null,
 "tone": one of positive|neutral|frustrated|angry,
 "key_issues": up to 5 short strings}`

func userPrompt(subject, from, text string) string {
	if r := []rune(text); len(r) > 4000 {
		text = string(r[:4000])
	}
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", from, subject, text)
}

const analysisSchema = `{
  "type": "object",
  "required": ["category", "urgency", "tone"],
  "properties": {
    "category":   {"type": "string"},
    "urgency":    {"type": "string"},
    "tone":       {"type": "string"},
    "order_id":   {"type": ["integer", "string", "null"]},
    "key_issues": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	schemaLoader   = gojsonschema.NewStringLoader(analysisSchema)
	fencePattern   = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	controlPattern = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	digitsPattern  = regexp.MustCompile(`\d+`)
)

type aiAnalysis struct {
	Category  string   `json:"category"`
	Urgency   string   `json:"urgency"`
	Tone      string   `json:"tone"`
	OrderID   any      `json:"order_id"`
	KeyIssues []string `json:"key_issues"`
}

// extractJSON finds the JSON document in a model reply: a fenced code block
// first, otherwise the outermost brace-bounded substring.
func extractJSON(reply string) (string, error) {
	candidate := ""
	if m := fencePattern.FindStringSubmatch(reply); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(candidate, "{") {
		start := strings.Index(reply, "{")
		end := strings.LastIndex(reply, "}")
		if start < 0 || end <= start {
			return "", errors.New("no JSON object in reply")
		}
		candidate = reply[start : end+1]
	}
	return controlPattern.ReplaceAllString(candidate, " "), nil
}

// parseAIReply turns a model reply into an Analysis. Enum values the model
// invents are mapped onto the nearest known value.
func parseAIReply(reply string) (Analysis, error) {
	doc, err := extractJSON(reply)
	if err != nil {
		return Analysis{}, err
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return Analysis{}, fmt.Errorf("parse reply: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Analysis{}, fmt.Errorf("reply does not match schema: %s", strings.Join(msgs, "; "))
	}

	var raw aiAnalysis
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return Analysis{}, fmt.Errorf("decode reply: %w", err)
	}
	a := Analysis{
		Category:  ParseCategory(raw.Category),
		Urgency:   ParseUrgency(raw.Urgency),
		Tone:      ParseTone(raw.Tone),
		KeyIssues: boundIssues(raw.KeyIssues),
		Source:    SourceAI,
	}
	a.OrderID = orderIDFrom(raw.OrderID)
	return a, nil
}

func orderIDFrom(v any) *int64 {
	var id int64
	switch t := v.(type) {
	case float64:
		id = int64(t)
	case string:
		m := digitsPattern.FindString(t)
		if m == "" {
			return nil
		}
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil
		}
		id = n
	default:
		return nil
	}
	if id <= 0 {
		return nil
	}
	return &id
}
