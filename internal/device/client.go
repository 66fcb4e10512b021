// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"espdash/pkg/logger"
)

const maxBodyBytes = 64 << 10

// Sender issues one request to the device and returns the raw JSON reply.
// Implementations never retry and never touch shared state.
type Sender interface {
	Send(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// Client is the HTTP Sender used against real firmware.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.New("Transport"),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Send returns nil JSON for an empty 2xx body. Failures are *NetworkError,
// *HTTPError or *DecodeError.
func (c *Client) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	c.log.Debug("%s %s -> %d in %v", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Method: method, Path: path, Status: resp.StatusCode}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, &DecodeError{Path: path, Body: data, Err: fmt.Errorf("invalid json")}
	}
	return json.RawMessage(data), nil
}

// Decode unmarshals a device reply into T, reporting failures as *DecodeError.
func Decode[T any](path string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, &DecodeError{Path: path, Err: fmt.Errorf("empty body")}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &DecodeError{Path: path, Body: raw, Err: err}
	}
	return v, nil
}
