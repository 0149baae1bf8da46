package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPScanner submits content to a remote scanning API.
//
//	POST {baseURL}/scan  (multipart "file")
//	200 {"clean": true|false, "signature": "..."}
type HTTPScanner struct {
	client *resty.Client
}

// HTTPScannerConfig holds configuration for the remote scanner.
type HTTPScannerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewHTTPScanner(cfg HTTPScannerConfig) *HTTPScanner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// No retries: the multipart body is a one-shot reader and a failed scan fails the upload.
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &HTTPScanner{client: client}
}

func (s *HTTPScanner) Name() string { return "http" }

type scanResponse struct {
	Clean     bool   `json:"clean"`
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func (s *HTTPScanner) Scan(ctx context.Context, filename string, content []byte) (ScanVerdict, error) {
	var resp scanResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(content)).
		SetResult(&resp).
		SetError(&resp).
		Post("/scan")
	if err != nil {
		return ScanVerdict{}, fmt.Errorf("failed to call scanning API: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		if resp.Error != "" {
			return ScanVerdict{}, fmt.Errorf("scanning API error: %s", resp.Error)
		}
		return ScanVerdict{}, fmt.Errorf("scanning API error: status %d", httpResp.StatusCode())
	}

	return ScanVerdict{Clean: resp.Clean, Provider: s.Name(), Signature: resp.Signature}, nil
}
