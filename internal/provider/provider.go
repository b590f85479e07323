package provider

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ak3tsm7/inference-orchestrator/internal/job"
)

// OutcomeClass is the adapter's classification of an execution try.
type OutcomeClass string

const (
	Success   OutcomeClass = "success"
	Transient OutcomeClass = "transient" // rate limit, timeout, 5xx, connection reset
	Permanent OutcomeClass = "permanent" // invalid request, auth rejection, unsupported kind
)

// Outcome is the result of one adapter execution. Exactly one of Result or
// Reason is meaningful depending on Class.
type Outcome struct {
	Class  OutcomeClass
	Result []byte
	Reason string
}

func success(result []byte) Outcome   { return Outcome{Class: Success, Result: result} }
func transient(reason string) Outcome { return Outcome{Class: Transient, Reason: reason} }
func permanent(reason string) Outcome { return Outcome{Class: Permanent, Reason: reason} }

// Adapter wraps one external inference backend behind a uniform contract.
// Execute must honor ctx for timeout and cancellation, release all
// underlying resources on every exit path, and never return an
// unclassified error: unknown failures classify as Transient so the retry
// budget, not the adapter, decides when to stop.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, payload []byte) Outcome
}

// Descriptor is the static capability record for a registered provider.
type Descriptor struct {
	Name        string
	Kinds       []job.Kind
	Concurrency int           // max in-flight executions against this provider
	Timeout     time.Duration // per-attempt latency budget
	MaxAttempts int           // 0 falls back to the policy's global default
}

func (d Descriptor) Supports(k job.Kind) bool {
	for _, kind := range d.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// ClassifyHTTP maps an HTTP status to an outcome class per the shared
// failure taxonomy. 429 and 5xx are retryable; 4xx means the request
// itself is bad and retrying cannot help.
func ClassifyHTTP(status int) OutcomeClass {
	switch {
	case status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	}
	return Success
}

// classifyErr maps transport-level errors. Timeouts, cancellations and
// connection failures are all transient, and so is anything unrecognized:
// the retry budget bounds them rather than a guess here. Only an HTTP
// status from the backend can mark a request permanently bad.
func classifyErr(error) OutcomeClass {
	return Transient
}

// postJSON runs a POST with the supplied body and returns the status and
// response body. The response body is always drained and closed so the
// underlying connection can be reused or torn down, including when ctx is
// cancelled mid-read.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
