package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// LocalAdapter targets a self-hosted model runner speaking a minimal HTTP
// contract: POST /generate with the raw payload, raw result back. No auth;
// the runner is expected to live inside the deployment boundary.
type LocalAdapter struct {
	client  *http.Client
	baseURL string
}

func NewLocal(client *http.Client, baseURL string) *LocalAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &LocalAdapter{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (a *LocalAdapter) Name() string { return "local" }

func (a *LocalAdapter) Execute(ctx context.Context, payload []byte) Outcome {
	status, data, err := postJSON(ctx, a.client, a.baseURL+"/generate", nil, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Class: classifyErr(err), Reason: fmt.Sprintf("local: %v", err)}
	}
	if cls := ClassifyHTTP(status); cls != Success {
		return Outcome{Class: cls, Reason: fmt.Sprintf("local: status %d: %s", status, truncate(string(data), 256))}
	}
	return success(data)
}
