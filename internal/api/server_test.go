package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/pipeline"
)

type testRunner struct {
	results []pipeline.Result
	err     error
	gotOpts *pipeline.RunOptions
}

func (r *testRunner) RunWith(_ context.Context, prompts []string, opts *pipeline.RunOptions) ([]pipeline.Result, error) {
	r.gotOpts = opts
	if r.err != nil {
		return nil, r.err
	}
	if r.results != nil {
		return r.results, nil
	}
	out := make([]pipeline.Result, len(prompts))
	for i := range prompts {
		out[i] = pipeline.Result{Index: i, Text: "ok", Reason: "length"}
	}
	return out, nil
}

func newTestEcho(runner Runner, cfg Config) *echo.Echo {
	e := echo.New()
	NewServer(runner, cfg).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBatchEndpoint(t *testing.T) {
	t.Parallel()

	runner := &testRunner{}
	e := newTestEcho(runner, Config{})

	rec := doJSON(t, e, http.MethodPost, "/v1/batch", `{"prompts":["a","b"],"max_new_tokens":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}

	var resp BatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "batch_") {
		t.Fatalf("id = %q, want batch_ prefix", resp.ID)
	}
	if resp.Object != "batch" {
		t.Fatalf("object = %q", resp.Object)
	}
	if len(resp.Results) != 2 || resp.Results[1].Index != 1 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if runner.gotOpts == nil || runner.gotOpts.MaxNewTokens == nil || *runner.gotOpts.MaxNewTokens != 3 {
		t.Fatalf("max_new_tokens override not forwarded: %+v", runner.gotOpts)
	}
}

func TestBatchValidationErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testRunner{}, Config{})

	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty prompts", `{"prompts":[]}`, "prompts must not be empty"},
		{"negative budget", `{"prompts":["x"],"max_new_tokens":-1}`, "must not be negative"},
		{"malformed body", `{"prompts":`, "malformed request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/batch", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tc.want) {
				t.Fatalf("body %s missing %q", rec.Body.String(), tc.want)
			}
		})
	}
}

func TestBatchReportsPerItemErrors(t *testing.T) {
	t.Parallel()

	runner := &testRunner{results: []pipeline.Result{
		{Index: 0, Text: "fine", Reason: "stop"},
		{Index: 1, Reason: "invalid_request", Err: errors.New("prompt 1 is empty")},
	}}
	e := newTestEcho(runner, Config{})

	rec := doJSON(t, e, http.MethodPost, "/v1/batch", `{"prompts":["a",""]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("per-item failure must not fail the call: %d %s", rec.Code, rec.Body.String())
	}
	var resp BatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Results[0].Error != "" {
		t.Fatalf("slot 0 unexpectedly failed: %+v", resp.Results[0])
	}
	if resp.Results[1].Error == "" || resp.Results[1].FinishReason != "invalid_request" {
		t.Fatalf("slot 1 = %+v, want reported error", resp.Results[1])
	}
}

func TestBatchEngineFaultIsServerError(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testRunner{err: engine.Faultf("device lost")}, Config{})

	rec := doJSON(t, e, http.MethodPost, "/v1/batch", `{"prompts":["x"]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "engine_error") {
		t.Fatalf("body %s missing engine_error type", rec.Body.String())
	}
}

func TestBatchRateLimited(t *testing.T) {
	t.Parallel()

	// One request per hour with burst 1: the second request must be
	// rejected.
	e := newTestEcho(&testRunner{}, Config{RPS: 1.0 / 3600, Burst: 1})

	if rec := doJSON(t, e, http.MethodPost, "/v1/batch", `{"prompts":["x"]}`); rec.Code != http.StatusOK {
		t.Fatalf("first request rejected: %d", rec.Code)
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/batch", `{"prompts":["x"]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testRunner{}, Config{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
