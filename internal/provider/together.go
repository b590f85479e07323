package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultTogetherURL = "https://api.together.xyz/inference"

// TogetherAdapter runs text generation against the Together inference API.
type TogetherAdapter struct {
	client  *http.Client
	baseURL string
	token   string
	model   string
}

func NewTogether(client *http.Client, token, model string) *TogetherAdapter {
	return NewTogetherURL(client, defaultTogetherURL, token, model)
}

func NewTogetherURL(client *http.Client, baseURL, token, model string) *TogetherAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &TogetherAdapter{client: client, baseURL: baseURL, token: token, model: model}
}

func (a *TogetherAdapter) Name() string { return "together" }

type togetherRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type togetherResponse struct {
	Output struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	} `json:"output"`
}

func (a *TogetherAdapter) Execute(ctx context.Context, payload []byte) Outcome {
	if a.token == "" {
		return permanent("together: API token not configured")
	}

	body, err := json.Marshal(togetherRequest{
		Model:       a.model,
		Prompt:      string(payload),
		MaxTokens:   2048,
		Temperature: 0.7,
		TopP:        0.9,
	})
	if err != nil {
		return permanent(fmt.Sprintf("together: marshal request: %v", err))
	}

	headers := map[string]string{"Authorization": "Bearer " + a.token}
	status, data, err := postJSON(ctx, a.client, a.baseURL, headers, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: classifyErr(err), Reason: fmt.Sprintf("together: %v", err)}
	}

	if cls := ClassifyHTTP(status); cls != Success {
		return Outcome{Class: cls, Reason: fmt.Sprintf("together: status %d: %s", status, truncate(string(data), 256))}
	}

	var parsed togetherResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return transient(fmt.Sprintf("together: decode response: %v", err))
	}
	if len(parsed.Output.Choices) == 0 {
		return transient("together: response contained no choices")
	}
	return success([]byte(parsed.Output.Choices[0].Text))
}
