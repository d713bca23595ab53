package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 64 * 1024

// DefaultHTTPClient is used for provider REST calls when none is configured
var DefaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// apiErrorBody covers both the Google ({"error":{"code":401,"status":"UNAUTHENTICATED"}})
// and Graph ({"error":{"code":"InvalidAuthenticationToken"}}) error envelopes
type apiErrorBody struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Status  string          `json:"status"`
	} `json:"error"`
}

// DecodeAPIError builds an APIError from a non-2xx provider response body
func DecodeAPIError(provider string, status int, body []byte) *APIError {
	e := &APIError{Provider: provider, StatusCode: status}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		e.Description = strings.TrimSpace(string(body))
		if len(e.Description) > 200 {
			e.Description = e.Description[:200]
		}
		return e
	}

	var code string
	if err := json.Unmarshal(parsed.Error.Code, &code); err != nil || code == "" {
		code = parsed.Error.Status
	}
	e.Code = code
	e.Description = parsed.Error.Message
	return e
}

// doJSON performs an authorized request and decodes a JSON response into out
func doJSON(ctx context.Context, client *http.Client, provider, method, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return DecodeAPIError(provider, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", provider, err)
		}
	}
	return nil
}
