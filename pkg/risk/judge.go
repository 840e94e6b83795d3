package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Judgement is the external judge's opinion on a request.
type Judgement struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

// Judge produces a Judgement for a proxied request's intent and shape.
type Judge interface {
	Judge(ctx context.Context, intent, method, targetURL string, body []byte) (*Judgement, error)
}

// judgeSystemPrompt instructs the oracle to emit a bare JSON object; the
// assessor fails closed on anything else.
const judgeSystemPrompt = `You are a security reviewer for an API gateway that forwards requests on behalf of autonomous agents.
Given the agent's stated intent and the HTTP request it wants to make, judge how risky the action is and whether the intent coherently matches the request.
Respond with ONLY a JSON object of the form {"score": <number between 0 and 1>, "explanation": "<one sentence>"}. Higher scores mean more dangerous or less coherent.`

// HTTPJudge asks an OpenAI-compatible chat endpoint for a judgement.
type HTTPJudge struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPJudge creates a judge client. timeout bounds each call
// independently of the caller's deadline; it is never retried.
func NewHTTPJudge(baseURL, apiKey, model string, timeout time.Duration) *HTTPJudge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPJudge{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
		timeout: timeout,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Judge implements the Judge interface over HTTP.
func (j *HTTPJudge) Judge(ctx context.Context, intent, method, targetURL string, body []byte) (*Judgement, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	user := map[string]any{
		"intent":     intent,
		"method":     method,
		"target_url": targetURL,
		"body_bytes": len(body),
	}
	userJSON, _ := json.Marshal(user)

	reqBody := chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: string(userJSON)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("judge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("judge: create request: %w", err)
	}
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("judge: status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("judge: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("judge: empty choices")
	}

	var verdict struct {
		Score       *float64 `json:"score"`
		Explanation *string  `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &verdict); err != nil {
		return nil, fmt.Errorf("judge: malformed verdict: %w", err)
	}
	if verdict.Score == nil || verdict.Explanation == nil {
		return nil, fmt.Errorf("judge: verdict missing fields")
	}

	return &Judgement{Score: *verdict.Score, Explanation: *verdict.Explanation}, nil
}
