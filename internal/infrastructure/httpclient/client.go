// Package httpclient is the instrumented HTTP client used by cloud storage
// provider adapters. Every vendor call is logged and persisted to the
// api_logs table for the operations view.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
)

const (
	maxBodyLogLength  = 500   // Maximum characters to log for body
	maxBodySaveLength = 10000 // Maximum characters to persist per body
)

// RequestContext carries per-request metadata for authentication and
// logging.
type RequestContext struct {
	UserID      int64
	Provider    string
	AccessToken string // empty means unauthenticated request
}

// APILogSaver interface for saving API logs
type APILogSaver interface {
	Save(ctx context.Context, log *entity.APILog) error
}

// Client performs JSON and raw requests against vendor APIs.
type Client struct {
	client      *http.Client
	apiLogSaver APILogSaver
	logger      *zap.Logger
}

func NewClient(timeout time.Duration, apiLogSaver APILogSaver, logger *zap.Logger) *Client {
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		apiLogSaver: apiLogSaver,
		logger:      logger,
	}
}

// GetJSON performs a GET request and decodes the JSON response into result.
func (c *Client) GetJSON(ctx context.Context, reqCtx *RequestContext, url string, result interface{}) error {
	return c.doJSON(ctx, reqCtx, http.MethodGet, url, nil, result)
}

// PostJSON performs a POST request with a JSON body.
func (c *Client) PostJSON(ctx context.Context, reqCtx *RequestContext, url string, body interface{}, result interface{}) error {
	return c.doJSON(ctx, reqCtx, http.MethodPost, url, body, result)
}

// Delete performs a DELETE request. A 404 is reported through the returned
// StatusError like any other non-2xx status.
func (c *Client) Delete(ctx context.Context, reqCtx *RequestContext, url string) error {
	return c.doJSON(ctx, reqCtx, http.MethodDelete, url, nil, nil)
}

// DoRaw sends a prepared request body with an explicit content type, used
// for media uploads. The response body is returned undecoded.
func (c *Client) DoRaw(ctx context.Context, reqCtx *RequestContext, method, url, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	setAuth(req, reqCtx)

	c.logRequest(method, url, req.Header, nil)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logResponse(resp.StatusCode, resp.Status, duration, respBody)
	c.saveAPILog(method, url, nil, respBody, resp.StatusCode, duration, reqCtx)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &classify.StatusError{StatusCode: resp.StatusCode, Body: truncateString(string(respBody), maxBodyLogLength)}
	}

	return respBody, nil
}

func (c *Client) doJSON(ctx context.Context, reqCtx *RequestContext, method, url string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setAuth(req, reqCtx)

	c.logRequest(method, url, req.Header, jsonBody)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	duration := time.Since(startTime)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.logResponse(resp.StatusCode, resp.Status, duration, respBody)
	c.saveAPILog(method, url, jsonBody, respBody, resp.StatusCode, duration, reqCtx)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &classify.StatusError{StatusCode: resp.StatusCode, Body: truncateString(string(respBody), maxBodyLogLength)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

func setAuth(req *http.Request, reqCtx *RequestContext) {
	if reqCtx != nil && reqCtx.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+reqCtx.AccessToken)
	}
}

// truncateString truncates a string if it exceeds maxLength
func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength] + fmt.Sprintf("... [truncated, total %d chars]", len(s))
}

// truncateBase64InJSON truncates base64-like values in JSON string
func truncateBase64InJSON(jsonStr string, maxLength int) string {
	base64Pattern := regexp.MustCompile(`"([A-Za-z0-9+/=]{100,})"`)

	return base64Pattern.ReplaceAllStringFunc(jsonStr, func(match string) string {
		content := match[1 : len(match)-1]
		if len(content) > maxLength {
			return fmt.Sprintf(`"%s... [base64 truncated, total %d chars]"`, content[:maxLength], len(content))
		}
		return match
	})
}

// logRequest logs the HTTP request details
func (c *Client) logRequest(method, url string, headers http.Header, body []byte) {
	var logBuilder strings.Builder

	logBuilder.WriteString("\n>>> [VENDOR-REQ]\n")
	logBuilder.WriteString(fmt.Sprintf("Method: %s\n", method))
	logBuilder.WriteString(fmt.Sprintf("URL: %s\n", url))

	if len(body) > 0 {
		bodyStr := truncateBase64InJSON(string(body), 100)
		bodyStr = truncateString(bodyStr, maxBodyLogLength)
		logBuilder.WriteString(fmt.Sprintf("REQUEST BODY: %s\n", bodyStr))
	}

	c.logger.Debug(logBuilder.String())
}

// logResponse logs the HTTP response details
func (c *Client) logResponse(statusCode int, statusText string, duration time.Duration, body []byte) {
	var logBuilder strings.Builder

	logBuilder.WriteString("\n>>> [VENDOR-RESPONSE]\n")
	logBuilder.WriteString(fmt.Sprintf("Status: %d %s\n", statusCode, statusText))
	logBuilder.WriteString(fmt.Sprintf("Duration: %s\n", duration))

	bodyStr := truncateString(string(body), maxBodyLogLength)
	logBuilder.WriteString(fmt.Sprintf("Body: %s\n", bodyStr))

	c.logger.Debug(logBuilder.String())
}

// saveAPILog saves the API request/response log to database
func (c *Client) saveAPILog(method, endpoint string, requestBody, responseBody []byte, statusCode int, duration time.Duration, reqCtx *RequestContext) {
	if c.apiLogSaver == nil {
		return
	}

	reqBodyStr := ""
	if len(requestBody) > 0 {
		reqBodyStr = truncateBase64InJSON(string(requestBody), 100)
		if len(reqBodyStr) > maxBodySaveLength {
			reqBodyStr = reqBodyStr[:maxBodySaveLength] + "... [truncated]"
		}
	}

	respBodyStr := string(responseBody)
	if len(respBodyStr) > maxBodySaveLength {
		respBodyStr = respBodyStr[:maxBodySaveLength] + "... [truncated]"
	}

	apiLog := &entity.APILog{
		Endpoint:     endpoint,
		Method:       method,
		RequestBody:  reqBodyStr,
		ResponseBody: respBodyStr,
		StatusCode:   statusCode,
		Duration:     duration.Milliseconds(),
		CreatedAt:    time.Now(),
	}
	if reqCtx != nil {
		apiLog.Provider = reqCtx.Provider
		apiLog.UserID = reqCtx.UserID
	}

	// Save asynchronously to not block the request
	go func() {
		if err := c.apiLogSaver.Save(context.Background(), apiLog); err != nil {
			c.logger.Warn("Failed to save API log to database",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
		}
	}()
}
