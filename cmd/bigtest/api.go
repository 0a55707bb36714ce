package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/orchestrator"
)

const apiTimeout = 30 * time.Second

// apiClient talks to the orchestrator's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: apiTimeout},
	}
}

// baseURL resolves the orchestrator URL from a flag value or the configured
// listen address.
func baseURL(flagValue, addr string) string {
	if flagValue != "" {
		return strings.TrimRight(flagValue, "/")
	}
	return "http://" + addr
}

// wsURL maps an http(s) base URL to the websocket URL of path.
func wsURL(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + path
	}
	return base + path
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// decodeAPIError turns an error body back into a coded error so exit codes
// follow the server's classification.
func decodeAPIError(status int, data []byte) error {
	var resp orchestrator.ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Message == "" {
		return fmt.Errorf("orchestrator returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	code := bterrors.ErrorCode(resp.Code)
	if code == "" {
		code = bterrors.ErrCodeInternal
	}
	err := bterrors.New(code, resp.Message)
	for k, v := range resp.Context {
		err = err.WithContext(k, v)
	}
	return err
}
