package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/pipeline-go/pipeline"
)

// HTTPParams describes a request whose response body is written to Output.
//
// Example:
//
//	command: http
//	params:
//	  url: https://api.example.com/data
//	  headers: {Authorization: Bearer token}
//	  output: data/raw.json
//	verify: [data/raw.json]
type HTTPParams struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT get post put"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Output  string            `json:"output" validate:"required"`
}

// HTTPClient is used by the http command.
var HTTPClient = &http.Client{
	// Timeout handled via context
}

// HTTP performs the request and stores the body. Responses outside 2xx fail
// the step and leave Output untouched.
func HTTP(ctx context.Context, sc *pipeline.StepContext, p HTTPParams) error {
	method := http.MethodGet
	if p.Method != "" {
		method = strings.ToUpper(p.Method)
	}

	var body io.Reader
	if p.Body != "" {
		body = bytes.NewBufferString(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, p.URL, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := os.MkdirAll(filepath.Dir(p.Output), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p.Output, err)
	}
	// Write to a sibling temp file so a failed download never satisfies a
	// verify check.
	tmp, err := os.CreateTemp(filepath.Dir(p.Output), filepath.Base(p.Output)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p.Output, err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.Output); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", p.Output, err)
	}

	sc.Logger.InfoContext(ctx, "downloaded", "url", p.URL, "status", resp.StatusCode, "bytes", n, "output", p.Output)
	return nil
}
