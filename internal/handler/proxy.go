package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"nexusproxy/internal/capture"
	"nexusproxy/internal/config"
	"nexusproxy/internal/credentials"
	"nexusproxy/internal/metrics"
	"nexusproxy/internal/middleware"
	"nexusproxy/internal/service"
	"nexusproxy/internal/store"
)

// captureQueueSize bounds the fan-out channel between the stream loop and
// the capture goroutine. A full queue drops events from capture, never from
// the client pipe.
const captureQueueSize = 256

// ProxyHandler fronts the Anthropic Messages API: resolve credentials,
// forward, pass the response through verbatim, and hand a record of the
// exchange to the async writer.
type ProxyHandler struct {
	refresher *credentials.Refresher
	writer    *service.Writer
	metrics   *metrics.Metrics
	client    *req.Client
	cfg       config.UpstreamConfig
}

func NewProxyHandler(refresher *credentials.Refresher, writer *service.Writer, m *metrics.Metrics, cfg config.UpstreamConfig) *ProxyHandler {
	client := req.C().
		SetTimeout(cfg.RequestTimeout).
		DisableAutoDecode()
	return &ProxyHandler{
		refresher: refresher,
		writer:    writer,
		metrics:   m,
		client:    client,
		cfg:       cfg,
	}
}

// Headers forwarded upstream from the client request.
var allowedHeaders = map[string]bool{
	"accept":                      true,
	"accept-encoding":             true,
	"content-type":                true,
	"user-agent":                  true,
	"anthropic-beta":              true,
	"anthropic-version":           true,
	"x-stainless-lang":            true,
	"x-stainless-package-version": true,
	"x-stainless-os":              true,
	"x-stainless-arch":            true,
	"x-stainless-runtime":         true,
	"x-stainless-runtime-version": true,
}

// Messages proxies POST /v1/messages.
func (h *ProxyHandler) Messages(c *gin.Context) {
	domain := c.GetString(middleware.ContextKeyDomain)
	apiKeyHash := c.GetString(middleware.ContextKeyAPIKeyHash)

	requestID := uuid.New().String()
	start := time.Now()
	h.metrics.RequestStarted()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.finishEarly(c, domain, requestID, nil, "", apiKeyHash, start, http.StatusBadRequest, "failed to read request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"type":    "invalid_request_error",
			"message": "failed to read request body",
		}})
		return
	}

	requestType := Classify(body)
	model := gjson.GetBytes(body, "model").String()

	cred, err := h.refresher.EnsureFresh(c.Request.Context(), domain)
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Str("request_id", requestID).Msg("credential resolution failed")
		status := http.StatusBadGateway
		message := "failed to refresh upstream credentials"
		if credentials.IsRefreshRejected(err) {
			message = "upstream rejected the refresh token; re-authentication required"
		}
		h.finishEarly(c, domain, requestID, body, requestType, apiKeyHash, start, status, message)
		c.JSON(status, gin.H{"error": gin.H{
			"type":    "upstream_auth_error",
			"message": message,
		}})
		return
	}

	targetURL := h.cfg.APIURL + "/v1/messages"
	if c.Request.URL.RawQuery != "" {
		targetURL += "?" + c.Request.URL.RawQuery
	}

	r := h.client.R().
		SetContext(c.Request.Context()).
		SetBodyBytes(body)
	r.DisableAutoReadResponse()

	for key, values := range c.Request.Header {
		if allowedHeaders[strings.ToLower(key)] {
			for _, value := range values {
				r.SetHeader(key, value)
			}
		}
	}
	if c.GetHeader("Content-Type") == "" {
		r.SetHeader("Content-Type", "application/json")
	}
	if c.GetHeader("anthropic-version") == "" {
		r.SetHeader("anthropic-version", h.cfg.DefaultVersion)
	}

	if cred.IsOAuth() {
		r.SetHeader("Authorization", "Bearer "+cred.OAuth.AccessToken)
		r.SetHeader("anthropic-beta", joinBeta(h.cfg.OAuthBetaHeader, c.GetHeader("anthropic-beta")))
	} else {
		r.SetHeader("x-api-key", cred.APIKey)
	}

	resp, err := r.Post(targetURL)
	if err != nil {
		status := http.StatusBadGateway
		message := "failed to connect to upstream"
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
			message = "upstream request timed out"
		}
		log.Error().Err(err).Str("url", targetURL).Str("request_id", requestID).Msg("failed to reach upstream")
		h.finishEarly(c, domain, requestID, body, requestType, apiKeyHash, start, status, message)
		c.JSON(status, gin.H{"error": gin.H{
			"type":    "api_error",
			"message": message,
		}})
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}

	rec := &service.Record{
		RequestID:   requestID,
		Domain:      domain,
		Timestamp:   start,
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Headers:     sanitizeHeaders(c.Request.Header),
		Body:        body,
		StatusCode:  resp.StatusCode,
		Model:       model,
		RequestType: requestType,
		APIKeyHash:  apiKeyHash,
	}

	contentType := resp.GetHeader("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		h.streamResponse(c, resp, rec, start)
	} else {
		h.bufferResponse(c, resp, rec)
	}

	rec.DurationMS = time.Since(start).Milliseconds()
	h.writer.Enqueue(rec)
	h.metrics.RequestFinished(domain, requestType, resp.StatusCode,
		rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.Usage.CacheReadInputTokens, rec.Usage.CacheCreationInputTokens,
		rec.DurationMS, rec.FirstTokenMS, rec.Error != "")
}

// streamResponse pumps SSE lines to the client verbatim while feeding data
// payloads to the capture parser through a bounded channel, so a slow parse
// never stalls the client pipe.
func (h *ProxyHandler) streamResponse(c *gin.Context, resp *req.Response, rec *service.Record, start time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(resp.StatusCode)

	rec.Streaming = true

	parser := capture.NewParser(start)
	dataCh := make(chan []byte, captureQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range dataCh {
			parser.FeedData(payload)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var chunks []store.Chunk
	clientGone := false
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := c.Writer.Write([]byte(line + "\n")); err != nil {
			clientGone = true
			break
		}
		c.Writer.Flush()

		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			chunks = append(chunks, store.Chunk{
				Index:      len(chunks),
				Timestamp:  time.Now(),
				Data:       payload,
				TokenCount: len(payload) / 4,
			})
			select {
			case dataCh <- []byte(payload):
			default:
				// Capture lags behind; the client already has the bytes,
				// but the stored row must admit it is partial.
				parser.MarkDropped()
			}
		}
	}
	truncated := clientGone || scanner.Err() != nil
	close(dataCh)
	<-done

	result := parser.Finalize(truncated)
	rec.Chunks = chunks
	rec.ResponseBody = result.Message
	rec.Usage = result.Usage
	rec.ToolCalls = result.ToolCalls
	rec.FirstTokenMS = result.FirstTokenMS
	rec.Error = result.Error
	if result.Model != "" {
		rec.Model = result.Model
	}

	if truncated {
		log.Warn().
			Str("request_id", rec.RequestID).
			Bool("client_gone", clientGone).
			Msg("stream ended early")
	}
}

// bufferResponse relays a non-streaming response and extracts usage from the
// buffered body.
func (h *ProxyHandler) bufferResponse(c *gin.Context, resp *req.Response, rec *service.Record) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to read upstream response")
		rec.Error = "upstream read failed"
		c.Status(http.StatusBadGateway)
		return
	}

	c.Status(resp.StatusCode)
	c.Writer.Write(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if result, err := capture.FromJSON(respBody); err == nil {
			rec.ResponseBody = result.Message
			rec.Usage = result.Usage
			rec.ToolCalls = result.ToolCalls
			if result.Model != "" {
				rec.Model = result.Model
			}
		} else {
			rec.ResponseBody = respBody
		}
	} else {
		rec.ResponseBody = respBody
		rec.Error = upstreamErrorMessage(respBody, resp.StatusCode)
	}
}

// finishEarly records an exchange that never produced an upstream response.
func (h *ProxyHandler) finishEarly(c *gin.Context, domain, requestID string, body []byte, requestType, apiKeyHash string, start time.Time, status int, message string) {
	if requestType == "" {
		requestType = Classify(body)
	}
	rec := &service.Record{
		RequestID:   requestID,
		Domain:      domain,
		Timestamp:   start,
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Headers:     sanitizeHeaders(c.Request.Header),
		Body:        body,
		StatusCode:  status,
		Error:       message,
		RequestType: requestType,
		APIKeyHash:  apiKeyHash,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if len(body) > 0 {
		rec.Model = gjson.GetBytes(body, "model").String()
	}
	h.writer.Enqueue(rec)
	h.metrics.RequestFinished(domain, requestType, status, 0, 0, 0, 0, rec.DurationMS, 0, true)
}

// sanitizeHeaders serializes request headers minus credentials.
func sanitizeHeaders(header http.Header) []byte {
	clean := make(map[string]string, len(header))
	for key, values := range header {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "cookie", "x-dashboard-key":
			continue
		}
		clean[key] = strings.Join(values, ", ")
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return data
}

// upstreamErrorMessage pulls the error message out of an Anthropic error
// body, falling back to the status code.
func upstreamErrorMessage(body []byte, status int) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

// isTimeout reports whether an upstream error is a deadline expiry rather
// than a connect failure.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err)
}

// joinBeta prepends the OAuth beta flag to whatever the client already sent.
func joinBeta(oauthBeta, clientBeta string) string {
	if clientBeta == "" {
		return oauthBeta
	}
	if strings.Contains(clientBeta, oauthBeta) {
		return clientBeta
	}
	return oauthBeta + "," + clientBeta
}
