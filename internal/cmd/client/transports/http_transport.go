package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPTransport implements AdminTransport over the admin REST API.
type HTTPTransport struct {
	base   func() string
	client *http.Client
}

// NewHTTPTransport uses base to find the API root on every call.
func NewHTTPTransport(base func() string) *HTTPTransport {
	return &HTTPTransport{base: base, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorText(resp.Body))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, errorText(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorText(r io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(b))
}

// Send posts a message to dest.
func (t *HTTPTransport) Send(ctx context.Context, dest string, body []byte, props map[string]string) (string, error) {
	req := map[string]any{"destination": dest, "body": string(body)}
	if len(props) > 0 {
		req["properties"] = props
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := t.do(ctx, http.MethodPost, "/v1/messages", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ListDeadLetters queries the dead-letter destinations.
func (t *HTTPTransport) ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]DeadLetter, error) {
	v := url.Values{}
	if q.Field != "" {
		v.Set("field", q.Field)
		v.Set("value", q.Value)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/dlq"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out struct {
		Records []DeadLetter `json:"records"`
	}
	if err := t.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Resolve asks the server which policy governs dest.
func (t *HTTPTransport) Resolve(ctx context.Context, dest string) (Resolution, error) {
	var out Resolution
	err := t.do(ctx, http.MethodGet, "/v1/policies/resolve?destination="+url.QueryEscape(dest), nil, &out)
	return out, err
}

// State fetches the redelivery state for a message key.
func (t *HTTPTransport) State(ctx context.Context, key string) (RedeliveryState, error) {
	var out RedeliveryState
	err := t.do(ctx, http.MethodGet, "/v1/redelivery/"+url.PathEscape(key), nil, &out)
	return out, err
}
