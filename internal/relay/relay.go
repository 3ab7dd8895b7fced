// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay implements the stateless per-request pass-through to the
// upstream model API: it authenticates, validates, strips empty
// messages, forwards, and re-streams the response while rewriting its
// own fatal errors into the transport shape the client is reading.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultUpstreamURL is the hosted model endpoint.
	DefaultUpstreamURL = "https://api.anthropic.com/v1/messages"

	// DefaultMaxBodyBytes is the serialized request size ceiling.
	DefaultMaxBodyBytes = 200 << 20 // 200MB

	// DefaultWatchdogTimeout cancels an upstream call that produces no
	// chunk for this long; re-armed on every forwarded chunk.
	DefaultWatchdogTimeout = 5 * time.Minute

	// anthropicVersion is the fixed protocol version header value.
	anthropicVersion = "2023-06-01"

	// cachingBeta enables the prompt-caching feature flag upstream.
	cachingBeta = "prompt-caching-2024-07-31"
)

// Error kinds emitted to the caller.
const (
	KindAuthentication  = "authentication_error"
	KindInvalidRequest  = "invalid_request_error"
	KindContentTooLarge = "content_too_large"
	KindTimeout         = "timeout_error"
	KindAPI             = "api_error"
	KindRelay           = "relay_error"
)

// =============================================================================
// HANDLER
// =============================================================================

// Config holds relay settings. Zero values take defaults.
type Config struct {
	UpstreamURL     string
	MaxBodyBytes    int64
	WatchdogTimeout time.Duration
	HTTPClient      *http.Client

	// DefaultAPIKey is used when the caller supplies no x-api-key
	// header. A key from the caller always wins.
	DefaultAPIKey string
}

// Handler relays one chat request per call. Safe for concurrent use;
// the upstream target may be swapped at runtime via UpdateUpstream.
type Handler struct {
	mu          sync.RWMutex
	upstreamURL string
	defaultKey  string

	maxBody    int64
	watchdog   time.Duration
	httpClient *http.Client
}

// New creates a relay handler.
func New(cfg Config) *Handler {
	h := &Handler{
		upstreamURL: cfg.UpstreamURL,
		maxBody:     cfg.MaxBodyBytes,
		watchdog:    cfg.WatchdogTimeout,
		httpClient:  cfg.HTTPClient,
		defaultKey:  cfg.DefaultAPIKey,
	}
	if h.upstreamURL == "" {
		h.upstreamURL = DefaultUpstreamURL
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.watchdog <= 0 {
		h.watchdog = DefaultWatchdogTimeout
	}
	if h.httpClient == nil {
		h.httpClient = &http.Client{}
	}
	return h
}

// UpdateUpstream swaps the upstream URL and default key for subsequent
// requests. An empty url keeps the hosted default.
func (h *Handler) UpdateUpstream(url, defaultKey string) {
	if url == "" {
		url = DefaultUpstreamURL
	}
	h.mu.Lock()
	h.upstreamURL = url
	h.defaultKey = defaultKey
	h.mu.Unlock()
}

func (h *Handler) upstream() (url, defaultKey string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.upstreamURL, h.defaultKey
}

// ServeHTTP implements the relay contract: authenticate, validate,
// strip empty messages, forward, re-stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, defaultKey := h.upstream()
	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" {
		apiKey = defaultKey
	}
	if apiKey == "" {
		writeErrorJSON(w, http.StatusUnauthorized, KindAuthentication, "API key is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorJSON(w, http.StatusRequestEntityTooLarge, KindContentTooLarge,
				fmt.Sprintf("request body exceeds the %d byte limit", h.maxBody))
			return
		}
		writeErrorJSON(w, http.StatusBadRequest, KindInvalidRequest, "unreadable request body")
		return
	}

	body, streaming, err := prepareBody(raw)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return
	}

	h.forward(w, r, apiKey, body, streaming)
}

// =============================================================================
// REQUEST PREPARATION
// =============================================================================

// prepareBody validates the request shape and drops messages whose
// content is empty. Unknown fields are forwarded untouched.
func prepareBody(raw []byte) (body []byte, streaming bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, fmt.Errorf("request body is not valid JSON")
	}

	var model string
	if rawModel, ok := fields["model"]; ok {
		_ = json.Unmarshal(rawModel, &model)
	}
	if strings.TrimSpace(model) == "" {
		return nil, false, fmt.Errorf("model is required")
	}

	rawMessages, ok := fields["messages"]
	if !ok {
		return nil, false, fmt.Errorf("messages array is required")
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(rawMessages, &messages); err != nil {
		return nil, false, fmt.Errorf("messages must be an array")
	}

	kept := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		if messageHasContent(m) {
			kept = append(kept, m)
		}
	}
	remarshaled, err := json.Marshal(kept)
	if err != nil {
		return nil, false, fmt.Errorf("encode messages: %w", err)
	}
	fields["messages"] = remarshaled

	if rawStream, ok := fields["stream"]; ok {
		_ = json.Unmarshal(rawStream, &streaming)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("encode request: %w", err)
	}
	return out, streaming, nil
}

// messageHasContent reports whether a message carries anything worth
// forwarding. String content counts when non-blank; array content counts
// when any non-text entry is present or any text entry is non-blank.
func messageHasContent(raw json.RawMessage) bool {
	var m struct {
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &m) != nil || len(m.Content) == 0 {
		return false
	}

	var text string
	if json.Unmarshal(m.Content, &text) == nil {
		return strings.TrimSpace(text) != ""
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(m.Content, &blocks) != nil {
		return false
	}
	for _, b := range blocks {
		if b.Type != "text" {
			return true
		}
		if strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// =============================================================================
// FORWARDING
// =============================================================================

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, apiKey string, body []byte, streaming bool) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Watchdog: fires when no chunk arrives for the full window. Re-armed
	// per forwarded chunk; also covers an upstream that never responds.
	timedOut := make(chan struct{})
	var timedOutOnce bool
	watchdog := time.AfterFunc(h.watchdog, func() {
		close(timedOut)
		cancel()
	})
	defer watchdog.Stop()
	firedWatchdog := func() bool {
		select {
		case <-timedOut:
			timedOutOnce = true
		default:
		}
		return timedOutOnce
	}

	upstreamURL, _ := h.upstream()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeRelayError(w, streaming, http.StatusInternalServerError, KindAPI, "failed to build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("anthropic-beta", cachingBeta)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if firedWatchdog() {
			writeRelayError(w, streaming, http.StatusGatewayTimeout, KindTimeout,
				"Request timeout - the request took too long to process")
			return
		}
		writeRelayError(w, streaming, http.StatusBadGateway, KindAPI, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.relayUpstreamError(w, resp, streaming)
		return
	}

	if streaming {
		h.restream(w, resp.Body, watchdog, firedWatchdog)
		return
	}
	h.relayBuffered(w, resp.Body, firedWatchdog)
}

// relayUpstreamError re-emits a non-success upstream body in the same
// transport mode the caller requested. Messages mentioning PDF handling
// get a clarifying prefix.
func (h *Handler) relayUpstreamError(w http.ResponseWriter, resp *http.Response, streaming bool) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	kind, msg := KindAPI, strings.TrimSpace(string(raw))
	var parsed struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
		kind, msg = parsed.Error.Type, parsed.Error.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode)
	}
	if strings.Contains(msg, "pdf") || strings.Contains(msg, "PDF") {
		msg = "PDF processing failed upstream: " + msg
	}

	log.Printf("[relay] upstream error (HTTP %d, %s): %s", resp.StatusCode, kind, msg)
	writeRelayError(w, streaming, resp.StatusCode, kind, msg)
}

// restream forwards the upstream event stream verbatim: lines are
// re-split with the incomplete-last-line buffering rule, prefixed with
// "data: " when absent, and a synthetic done marker is appended after
// upstream closes. The watchdog re-arms on every chunk.
func (h *Handler) restream(w http.ResponseWriter, upstream io.Reader, watchdog *time.Timer, firedWatchdog func() bool) {
	flusher, _ := w.(http.Flusher)
	writeSSEHeaders(w)

	writeLine := func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		if strings.HasPrefix(line, "data: ") {
			fmt.Fprintf(w, "%s\n\n", line)
		} else {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	buf := make([]byte, 4096)
	pending := ""
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			watchdog.Reset(h.watchdog)
			pending += string(buf[:n])
			lines := strings.Split(pending, "\n")
			pending = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				writeLine(line)
			}
		}
		if err == io.EOF {
			writeLine(pending)
			fmt.Fprint(w, "data: [DONE]\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if err != nil {
			if firedWatchdog() {
				log.Printf("[relay] watchdog fired mid-stream, terminating response")
				writeStreamError(w, KindTimeout, "Request timeout - the request took too long to process")
				return
			}
			log.Printf("[relay] upstream read failed mid-stream: %v", err)
			writeStreamError(w, KindAPI, "upstream connection lost")
			return
		}
	}
}

// relayBuffered returns a non-streaming upstream body as one JSON
// response. A body that fails to parse is a relay fault, distinct from
// an upstream API error. A read cut short by the watchdog is reported
// as a timeout, not an upstream failure.
func (h *Handler) relayBuffered(w http.ResponseWriter, upstream io.Reader, firedWatchdog func() bool) {
	raw, err := io.ReadAll(upstream)
	if err != nil {
		if firedWatchdog() {
			log.Printf("[relay] watchdog fired reading buffered response")
			writeErrorJSON(w, http.StatusGatewayTimeout, KindTimeout,
				"Request timeout - the request took too long to process")
			return
		}
		writeErrorJSON(w, http.StatusBadGateway, KindAPI, "failed to read upstream response")
		return
	}
	if !json.Valid(raw) {
		writeErrorJSON(w, http.StatusBadGateway, KindRelay, "upstream returned an unparseable response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// errorBody is the single error shape used on both transports.
type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeRelayError emits an error in the transport shape the caller is
// reading: an event frame mid-stream, a JSON body otherwise. A client
// waiting on a stream must never see a bare non-200 response.
func writeRelayError(w http.ResponseWriter, streaming bool, status int, kind, msg string) {
	if streaming {
		writeSSEHeaders(w)
		writeStreamError(w, kind, msg)
		return
	}
	writeErrorJSON(w, status, kind, msg)
}

func writeStreamError(w http.ResponseWriter, kind, msg string) {
	frame, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": errorBody{Type: kind, Message: msg},
	})
	fmt.Fprintf(w, "data: %s\n\n", frame)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeErrorJSON(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": errorBody{Type: kind, Message: msg},
	})
}
