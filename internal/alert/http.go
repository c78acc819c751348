package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBody = 4096

// jsonPoster is the HTTP side shared by the Telegram and webhook notifiers.
type jsonPoster struct {
	name    string
	client  *http.Client
	headers map[string]string
}

func newJSONPoster(name string, timeout time.Duration, headers map[string]string) jsonPoster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return jsonPoster{name: name, client: &http.Client{Timeout: timeout}, headers: headers}
}

// post sends payload and returns the (truncated) response body of a 2xx reply.
func (p jsonPoster) post(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s status=%d body=%s", p.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
