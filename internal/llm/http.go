package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON sends body to url and decodes a 200 response into out.
// Non-200 responses are classified by status; errMessage extracts the
// provider's error text from the response body.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any, errMessage func([]byte) string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Provider: provider, Kind: KindInvalid, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &Error{Provider: provider, Kind: KindInvalid, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return classify(provider, 0, fmt.Errorf("execute request: %w", err))
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return classify(provider, 0, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := errMessage(respBody)
		if msg == "" {
			msg = string(respBody)
		}
		return classify(provider, httpResp.StatusCode, fmt.Errorf("API error: %s", msg))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return Malformed(provider, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
