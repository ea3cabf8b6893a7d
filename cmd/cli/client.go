package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the forecaster HTTP API
type Client struct {
	ServerURL string
	Token     string
	HTTP      *http.Client
}

// NewClient creates a client with a request timeout
func NewClient(serverURL, token string, timeout time.Duration) *Client {
	return &Client{
		ServerURL: strings.TrimRight(serverURL, "/"),
		Token:     token,
		HTTP:      &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx reply
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Get fetches path with query and returns the raw body and response headers
func (c *Client) Get(path string, query url.Values) ([]byte, http.Header, error) {
	target := c.ServerURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var reply struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &reply) == nil && reply.Error != "" {
			message = reply.Error
		}
		return nil, nil, &APIError{Status: resp.StatusCode, Message: message}
	}
	return body, resp.Header, nil
}

// GetJSON fetches path and decodes the JSON reply into v
func (c *Client) GetJSON(path string, query url.Values, v interface{}) ([]byte, error) {
	body, _, err := c.Get(path, query)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	return body, nil
}

// attachmentName extracts the filename of a Content-Disposition header
func attachmentName(header http.Header) string {
	_, params, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}

func selectionQuery(store, product string, horizon int) url.Values {
	query := url.Values{}
	query.Set("store", store)
	query.Set("product", product)
	if horizon > 0 {
		query.Set("horizon", fmt.Sprintf("%d", horizon))
	}
	return query
}
