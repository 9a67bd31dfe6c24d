package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a failed response body is kept as the
// error message.
const maxErrorBody = 4 << 10

// NewHTTPPuller returns the default network puller posting to pullURL.
// Non-200 answers are reported through HTTPRequestInfo, not as errors, so the
// engine applies its own retry policy.
func NewHTTPPuller(client *http.Client, pullURL string) Puller {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req *PullRequest) (PullerResult, error) {
		status, body, err := postJSON(ctx, client, pullURL, req)
		if err != nil {
			return PullerResult{}, fmt.Errorf("pull: %w", err)
		}
		info := HTTPRequestInfo{HTTPStatusCode: status}
		if status != http.StatusOK {
			info.ErrorMessage = string(body)
			return PullerResult{HTTPRequestInfo: info}, nil
		}
		var resp PullResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return PullerResult{}, fmt.Errorf("pull: decode response: %w", err)
		}
		return PullerResult{Response: &resp, HTTPRequestInfo: info}, nil
	}
}

// NewHTTPPusher returns the default network pusher posting to pushURL.
func NewHTTPPusher(client *http.Client, pushURL string) Pusher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req *PushRequest) (HTTPRequestInfo, error) {
		status, body, err := postJSON(ctx, client, pushURL, req)
		if err != nil {
			return HTTPRequestInfo{}, fmt.Errorf("push: %w", err)
		}
		info := HTTPRequestInfo{HTTPStatusCode: status}
		if status != http.StatusOK {
			info.ErrorMessage = string(body)
		}
		return info, nil
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) (int, []byte, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var reader io.Reader = resp.Body
	if resp.StatusCode != http.StatusOK {
		reader = io.LimitReader(resp.Body, maxErrorBody)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
