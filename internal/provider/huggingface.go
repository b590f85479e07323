package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultHuggingFaceURL = "https://api-inference.huggingface.co/models/"

// HuggingFaceAdapter runs hosted inference against the HuggingFace
// Inference API. Text models answer JSON; image models answer raw bytes,
// which pass through unmodified.
type HuggingFaceAdapter struct {
	client  *http.Client
	baseURL string
	token   string
	model   string
}

func NewHuggingFace(client *http.Client, token, model string) *HuggingFaceAdapter {
	return NewHuggingFaceURL(client, defaultHuggingFaceURL, token, model)
}

func NewHuggingFaceURL(client *http.Client, baseURL, token, model string) *HuggingFaceAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HuggingFaceAdapter{client: client, baseURL: baseURL, token: token, model: model}
}

func (a *HuggingFaceAdapter) Name() string { return "huggingface" }

type hfRequest struct {
	Inputs     string `json:"inputs"`
	Parameters struct {
		MaxNewTokens   int     `json:"max_new_tokens"`
		Temperature    float64 `json:"temperature"`
		TopP           float64 `json:"top_p"`
		ReturnFullText bool    `json:"return_full_text"`
	} `json:"parameters"`
}

func (a *HuggingFaceAdapter) Execute(ctx context.Context, payload []byte) Outcome {
	if a.token == "" {
		return permanent("huggingface: API token not configured")
	}

	req := hfRequest{Inputs: string(payload)}
	req.Parameters.MaxNewTokens = 2048
	req.Parameters.Temperature = 0.7
	req.Parameters.TopP = 0.9
	req.Parameters.ReturnFullText = false

	body, err := json.Marshal(req)
	if err != nil {
		return permanent(fmt.Sprintf("huggingface: marshal request: %v", err))
	}

	headers := map[string]string{"Authorization": "Bearer " + a.token}
	status, data, err := postJSON(ctx, a.client, a.baseURL+a.model, headers, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: classifyErr(err), Reason: fmt.Sprintf("huggingface: %v", err)}
	}

	if cls := ClassifyHTTP(status); cls != Success {
		return Outcome{Class: cls, Reason: fmt.Sprintf("huggingface: status %d: %s", status, truncate(string(data), 256))}
	}

	// The API answers either [{"generated_text": ...}] or
	// {"generated_text": ...} for text models, and raw bytes for image
	// models. Non-JSON bodies pass through as the result.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return transient("huggingface: empty response body")
	}
	switch trimmed[0] {
	case '[':
		var list []struct {
			GeneratedText string `json:"generated_text"`
		}
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) == 0 {
			return transient(fmt.Sprintf("huggingface: decode list response: %v", err))
		}
		return success([]byte(list[0].GeneratedText))
	case '{':
		var obj struct {
			GeneratedText string `json:"generated_text"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return transient(fmt.Sprintf("huggingface: decode response: %v", err))
		}
		return success([]byte(obj.GeneratedText))
	default:
		return success(data)
	}
}
