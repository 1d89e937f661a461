package kserve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable || e.Code == http.StatusTooManyRequests || e.Code == http.StatusBadGateway
}

// Client speaks the Open Inference Protocol over HTTP/REST.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, 120*time.Second)
}

// NewClientWithTimeout constructs a client using the provided timeout for HTTP requests.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) modelPath(model, version string) string {
	p := "/v2/models/" + url.PathEscape(model)
	if version != "" {
		p += "/versions/" + url.PathEscape(version)
	}
	return p
}

// Ready checks GET /v2/health/ready.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.get(ctx, "/v2/health/ready")
	return err
}

// Metadata fetches the model's input and output descriptions.
func (c *Client) Metadata(ctx context.Context, model, version string) (ModelMetadata, error) {
	body, err := c.get(ctx, c.modelPath(model, version))
	if err != nil {
		return ModelMetadata{}, err
	}
	var meta ModelMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return ModelMetadata{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, nil
}

// Config fetches the model configuration extension. Servers without the
// extension answer 404, which callers treat as "no placement information".
func (c *Client) Config(ctx context.Context, model, version string) (ModelConfig, error) {
	body, err := c.get(ctx, c.modelPath(model, version)+"/config")
	if err != nil {
		return ModelConfig{}, err
	}
	var cfg ModelConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("failed to decode model config: %w", err)
	}
	return cfg, nil
}

// Infer posts an inference request. When payload is non-empty it is sent
// after the JSON header using the binary tensor extension; the inputs that
// reference it must carry binary_data_size parameters.
func (c *Client) Infer(ctx context.Context, model, version string, req InferRequest, payload []byte) (InferResponse, error) {
	header, err := json.Marshal(req)
	if err != nil {
		return InferResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	body := header
	contentType := "application/json"
	if len(payload) > 0 {
		body = make([]byte, 0, len(header)+len(payload))
		body = append(body, header...)
		body = append(body, payload...)
		contentType = "application/octet-stream"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.modelPath(model, version)+"/infer", bytes.NewReader(body))
	if err != nil {
		return InferResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if len(payload) > 0 {
		httpReq.Header.Set(headerLength, strconv.Itoa(len(header)))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return InferResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return InferResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return InferResponse{}, statusError(resp.StatusCode, respBody)
	}

	return decodeInferResponse(respBody, resp.Header.Get(headerLength))
}

func decodeInferResponse(body []byte, headerLen string) (InferResponse, error) {
	jsonPart := body
	var binaryPart []byte
	if headerLen != "" {
		n, err := strconv.Atoi(headerLen)
		if err != nil || n < 0 || n > len(body) {
			return InferResponse{}, fmt.Errorf("invalid %s %q", headerLength, headerLen)
		}
		jsonPart, binaryPart = body[:n], body[n:]
	}

	var out InferResponse
	if err := json.Unmarshal(jsonPart, &out); err != nil {
		return InferResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}

	for i := range out.Outputs {
		size, ok := numberParam(out.Outputs[i].Parameters, "binary_data_size")
		if !ok {
			continue
		}
		n := int(size)
		if n < 0 || n > len(binaryPart) {
			return InferResponse{}, fmt.Errorf("output %s claims %d binary bytes, %d left", out.Outputs[i].Name, n, len(binaryPart))
		}
		out.Outputs[i].raw = binaryPart[:n:n]
		binaryPart = binaryPart[n:]
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(code int, body []byte) error {
	var e errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &StatusError{Code: code, Message: msg}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
