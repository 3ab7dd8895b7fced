// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream issues outbound chat requests and incrementally decodes
// the chunked event-stream response, accumulating text deltas and
// surfacing lifecycle events over a typed channel.
package stream

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
	"time"

	"github.com/jeranaias/chatrelay/internal/message"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultIdleTimeout aborts a stream when no chunk has arrived for
	// this long. Evaluated after each read, so it fires at most this
	// long after the last chunk rather than wall-clock-exact.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxAttempts bounds total attempts: the initial send plus
	// retries on overload.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the fixed pause before each overload retry.
	DefaultRetryDelay = 2 * time.Second

	// DefaultMaxTokens is the response token ceiling when the caller
	// does not set one.
	DefaultMaxTokens = 4096

	// eventBufferSize keeps slow consumers from stalling the read loop.
	eventBufferSize = 64

	// readBufferSize is the chunk size for reading the response body.
	readBufferSize = 4096

	// dataPrefix marks a significant event-stream line.
	dataPrefix = "data: "

	// doneMarker is the terminal stream payload.
	doneMarker = "[DONE]"
)

// =============================================================================
// STATES AND EVENTS
// =============================================================================

// State is the lifecycle of one send attempt.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// EventKind tags a lifecycle event.
type EventKind int

const (
	// EventUpdate carries one text delta plus the accumulated text so far.
	EventUpdate EventKind = iota
	// EventComplete is always the last event of a successful stream.
	EventComplete
	// EventError is terminal; no further events follow it.
	EventError
)

// Event is one lifecycle notification. Update events arrive in delta
// order; Complete or Error terminates the sequence and the channel is
// closed after it.
type Event struct {
	Kind  EventKind
	Delta string
	Text  string
	Err   error
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request describes one outbound send. Content is the new user message;
// History is the prior conversation in order.
type Request struct {
	Model     string
	MaxTokens int
	System    []message.ContentBlock
	History   []message.Message
	Content   []message.ContentBlock
}

type wireMessage struct {
	Role    string                 `json:"role"`
	Content []message.ContentBlock `json:"content"`
}

type wireRequest struct {
	Model     string                 `json:"model"`
	MaxTokens int                    `json:"max_tokens"`
	Stream    bool                   `json:"stream"`
	System    []message.ContentBlock `json:"system,omitempty"`
	Messages  []wireMessage          `json:"messages"`
}

// buildBody constructs the wire request, stripping local metadata from
// every content block. System blocks keep their cache annotations;
// message content never carries them.
func buildBody(req Request) ([]byte, error) {
	wire := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = DefaultMaxTokens
	}
	if len(req.System) > 0 {
		wire.System = message.ForWire(req.System, true)
	}
	for _, m := range req.History {
		wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: message.ForWire(m.Content, false)})
	}
	wire.Messages = append(wire.Messages, wireMessage{Role: message.RoleUser, Content: message.ForWire(req.Content, false)})
	return json.Marshal(wire)
}

// =============================================================================
// CLIENT
// =============================================================================

// Config holds stream client settings. Zero values take defaults.
type Config struct {
	// Endpoint is the full URL of the relay's chat endpoint.
	Endpoint string
	// APIKey is forwarded as the x-api-key header.
	APIKey string

	IdleTimeout time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// Client sends chat requests and decodes streamed responses. Safe for
// concurrent use; each Send holds its own ephemeral session state.
type Client struct {
	endpoint    string
	apiKey      string
	idleTimeout time.Duration
	maxAttempts int
	retryDelay  time.Duration
	httpClient  *http.Client

	// now is overridable for timeout tests.
	now func() time.Time
}

// NewClient creates a stream client.
func NewClient(cfg Config) *Client {
	c := &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		idleTimeout: cfg.IdleTimeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		httpClient:  cfg.HTTPClient,
		now:         time.Now,
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = DefaultIdleTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.httpClient == nil {
		// No client-level timeout: streams are bounded by the idle
		// timeout, not total duration.
		c.httpClient = &http.Client{}
	}
	return c
}

// Send issues the request and returns a channel of lifecycle events.
// The channel is closed after the terminal Complete or Error event.
// Overload errors are retried with a fresh request and a fresh buffer;
// each retry starts a new ordered Update sequence.
func (c *Client) Send(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, eventBufferSize)
	go c.run(ctx, req, events)
	return events
}

func (c *Client) run(ctx context.Context, req Request, events chan<- Event) {
	defer close(events)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		text, err := c.attempt(ctx, req, events)
		if err == nil {
			events <- Event{Kind: EventComplete, Text: text}
			return
		}

		if errors.Is(err, &OverloadError{}) && attempt < c.maxAttempts {
			log.Printf("[stream] upstream overloaded, retrying (%d/%d)", attempt+1, c.maxAttempts)
			select {
			case <-ctx.Done():
				events <- Event{Kind: EventError, Err: ctx.Err()}
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}

		events <- Event{Kind: EventError, Err: err}
		return
	}
}

// attempt performs one full send: request, stream decode, accumulate.
// Returns the complete text or an error wrapping any partial text.
func (c *Client) attempt(ctx context.Context, req Request, events chan<- Event) (string, error) {
	state := StateSending

	body, err := buildBody(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readErrorResponse(resp)
	}

	state = StateStreaming
	log.Printf("[stream] %s, decoding response", state)

	var (
		dec       lineDecoder
		acc       strings.Builder
		buf       = make([]byte, readBufferSize)
		lastChunk = c.now()
	)

	fail := func(err error) (string, error) {
		return "", &StreamError{Partial: acc.String(), Err: err}
	}
	handle := func(line string) (done bool, err error) {
		delta, done, err := parseLine(line)
		if err != nil || done {
			return done, err
		}
		if delta != "" {
			acc.WriteString(delta)
			events <- Event{Kind: EventUpdate, Delta: delta, Text: acc.String()}
		}
		return false, nil
	}

	for {
		n, readErr := resp.Body.Read(buf)
		now := c.now()
		if now.Sub(lastChunk) > c.idleTimeout {
			state = StateTimedOut
			log.Printf("[stream] %s after %s idle", state, c.idleTimeout)
			return fail(ErrIdleTimeout)
		}
		if n > 0 {
			lastChunk = now
			for _, line := range dec.feed(buf[:n]) {
				done, err := handle(line)
				if err != nil {
					return fail(err)
				}
				if done {
					return acc.String(), nil
				}
			}
		}
		if readErr == io.EOF {
			// Process any trailing fragment, then treat stream close as
			// terminal success even without an explicit done marker.
			if rest := dec.flush(); rest != "" {
				if _, err := handle(rest); err != nil {
					return fail(err)
				}
			}
			return acc.String(), nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(fmt.Errorf("read stream: %w", readErr))
		}
	}
}

// =============================================================================
// LINE DECODING
// =============================================================================

// lineDecoder buffers partial lines across chunk boundaries: each chunk
// is appended, complete lines are returned, and the trailing incomplete
// fragment is held back for the next chunk.
type lineDecoder struct {
	buf string
}

func (d *lineDecoder) feed(chunk []byte) []string {
	d.buf += string(chunk)
	lines := strings.Split(d.buf, "\n")
	d.buf = lines[len(lines)-1]
	return lines[:len(lines)-1]
}

func (d *lineDecoder) flush() string {
	rest := d.buf
	d.buf = ""
	return rest
}

// eventPayload is the unified shape of every stream event payload. Error
// detection goes through one discriminated check: either a top-level
// error object or type "error".
type eventPayload struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error   *wireError `json:"error"`
	Message string     `json:"message"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorOf returns the payload's error, if it carries one.
func (p *eventPayload) errorOf() *wireError {
	if p.Error != nil {
		return p.Error
	}
	if p.Type == "error" {
		msg := p.Message
		if msg == "" {
			msg = "unknown stream error"
		}
		return &wireError{Type: "error", Message: msg}
	}
	return nil
}

// parseLine interprets one complete stream line. Lines without the data
// prefix are insignificant. Returns the text delta (if any), whether the
// stream is done, and any fatal error.
func parseLine(line string) (delta string, done bool, err error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, dataPrefix) {
		return "", false, nil
	}
	payload := strings.TrimPrefix(trimmed, dataPrefix)

	if payload == doneMarker {
		return "", true, nil
	}

	var ev eventPayload
	if jsonErr := json.Unmarshal([]byte(payload), &ev); jsonErr != nil {
		// A payload carrying an event: marker is a benign frame the
		// upstream interleaved; anything else is a broken frame.
		if strings.Contains(payload, "event:") {
			return "", false, nil
		}
		return "", false, &DecodeError{Line: payload, Err: jsonErr}
	}

	if we := ev.errorOf(); we != nil {
		return "", false, classifyWireError(we)
	}

	switch ev.Type {
	case "content_block_delta":
		return ev.Delta.Text, false, nil
	case "message_start", "content_block_start", "content_block_stop", "message_stop", "ping":
		return "", false, nil
	default:
		// Unknown benign event types are skipped, matching the decoder's
		// forward-compatibility posture.
		return "", false, nil
	}
}

// classifyWireError maps an in-band error payload onto the error
// taxonomy: overload (retriable), timeout, or generic API error.
func classifyWireError(we *wireError) error {
	switch {
	case we.Type == "overloaded_error" || strings.Contains(we.Message, "Overloaded"):
		return &OverloadError{Message: we.Message}
	case we.Type == "timeout_error":
		return &TimeoutError{Message: we.Message}
	default:
		return &APIError{Type: we.Type, Message: we.Message}
	}
}

// readErrorResponse interprets a non-2xx response body.
func readErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "unreadable error body"}
	}

	var ev eventPayload
	if json.Unmarshal(body, &ev) == nil {
		if we := ev.errorOf(); we != nil {
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529 {
				return &OverloadError{Message: we.Message}
			}
			apiErr := classifyWireError(we)
			if ae, ok := apiErr.(*APIError); ok {
				ae.StatusCode = resp.StatusCode
			}
			return apiErr
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
