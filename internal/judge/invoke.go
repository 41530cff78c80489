package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Client talks to an OpenAI-compatible chat-completions endpoint, either
// the local gateway proxy or a provider API directly.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	log     *logrus.Entry
}

func NewClient(baseURL, apiKey string, log *logrus.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    http.DefaultClient,
		log:     log.WithField("prefix", "judge"),
	}
}

// Invoke runs one judge model against the evaluation prompt and returns
// its verdict. Every failure mode (transport error, bad status, missing
// choices, unparseable or out-of-range score) yields an invalid verdict
// carrying the error, never an error return: a failed judge call is data.
func (c *Client) Invoke(ctx context.Context, model, prompt string) Verdict {
	content, u, err := c.chat(ctx, model, prompt)
	if err != nil {
		c.log.WithField("model", model).Warnf("judge call failed: %v", err)
		return Verdict{Model: model, Error: err.Error()}
	}
	v := ingest(model, content)
	// Usage is real even when the response content isn't parseable.
	v.InputTokens = u.PromptTokens
	v.OutputTokens = u.CompletionTokens
	return v
}

// ingest parses a raw judge response into a verdict, normalizing every
// degraded case into Valid=false.
func ingest(model, content string) Verdict {
	v := Verdict{Model: model, Raw: content}

	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed struct {
		Score     *float64 `json:"score"`
		Reasoning string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		v.Error = fmt.Sprintf("parsing judge response: %v", err)
		return v
	}
	if parsed.Score == nil {
		v.Error = "judge response has no score field"
		return v
	}
	if *parsed.Score < 0 || *parsed.Score > 1 {
		v.Error = fmt.Sprintf("judge score %v outside [0,1]", *parsed.Score)
		return v
	}
	v.Score = *parsed.Score
	v.Reasoning = parsed.Reasoning
	v.Valid = true
	return v
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (c *Client) chat(ctx context.Context, model, prompt string) (string, chatUsage, error) {
	reqBody := map[string]interface{}{
		"model":       model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	bodyBytes, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", chatUsage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", chatUsage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return "", chatUsage{}, fmt.Errorf("API returned %d: %v", resp.StatusCode, errBody)
	}

	var chatResult struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage chatUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatResult); err != nil {
		return "", chatUsage{}, err
	}
	if len(chatResult.Choices) == 0 {
		return "", chatResult.Usage, fmt.Errorf("no choices in response")
	}
	return chatResult.Choices[0].Message.Content, chatResult.Usage, nil
}
