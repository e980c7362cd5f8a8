package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is the thin HTTP client the CLI uses to reach a running
// coordinator's message endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// TransportError marks a failure to reach the coordinator at all, as
// opposed to a domain failure reported in a well-formed Response. The CLI
// maps it to exit code 2.
type TransportError struct{ err error }

func (e *TransportError) Error() string { return e.err.Error() }
func (e *TransportError) Unwrap() error { return e.err }

// NewClient creates a Client for baseURL, e.g. "http://127.0.0.1:7431".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Do sends one request and returns the correlated response. The payload
// is marshalled to JSON; nil means no payload. A *TransportError means
// the coordinator was unreachable or replied with garbage; any other
// state, including Success=false, is reported through the Response.
func (c *Client) Do(reqType string, payload interface{}) (*Response, error) {
	req := Request{ID: uuid.NewString(), Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload: %w", err)
		}
		req.Payload = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	httpResp, err := c.http.Post(c.baseURL+"/api/v1/message", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{err: err}
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &TransportError{err: fmt.Errorf("decoding response: %w", err)}
	}
	if resp.ID != req.ID {
		return nil, &TransportError{err: fmt.Errorf("response id %q does not match request id %q", resp.ID, req.ID)}
	}
	return &resp, nil
}
