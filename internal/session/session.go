// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session carries the per-conversation send pipeline: upload
// normalization, message composition, streaming, and persistence of
// completed turns. A Session is an explicit context object passed
// through each call; there is no ambient shared state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/jeranaias/chatrelay/internal/message"
	"github.com/jeranaias/chatrelay/internal/normalize"
	"github.com/jeranaias/chatrelay/internal/store"
	"github.com/jeranaias/chatrelay/internal/stream"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Store is the persistence collaborator the pipeline consumes.
type Store interface {
	SaveConversation(ctx context.Context, id string, msgs []message.Message) error
	SystemConfig(ctx context.Context) (store.SystemConfig, error)
	ConversationCache(ctx context.Context, id string) (store.ConversationCache, error)
}

// Sender issues the outbound request and streams lifecycle events.
type Sender interface {
	Send(ctx context.Context, req stream.Request) <-chan stream.Event
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSendInFlight rejects a second concurrent send on the same session.
// The UI disables its send control, but that is advisory only.
var ErrSendInFlight = errors.New("a send is already in flight for this session")

// ErrNothingToSend is the short-circuit for an empty submission with no
// files.
var ErrNothingToSend = errors.New("nothing to send")

// =============================================================================
// SESSION
// =============================================================================

// Config wires a session's collaborators and limits.
type Config struct {
	Store     Store
	Sender    Sender
	Model     string
	MaxTokens int

	// MaxFileBytes caps one upload; MaxUploadBytes caps the batch.
	MaxFileBytes   int64
	MaxUploadBytes int64
}

// Session is the per-conversation pipeline state.
type Session struct {
	conversationID string
	cfg            Config

	mu       sync.Mutex
	messages []message.Message
	inFlight bool
}

// New creates a session over an existing conversation history. The
// history slice is copied.
func New(cfg Config, conversationID string, history []message.Message) *Session {
	return &Session{
		conversationID: conversationID,
		cfg:            cfg,
		messages:       append([]message.Message(nil), history...),
	}
}

// ConversationID returns the opaque conversation key.
func (s *Session) ConversationID() string { return s.conversationID }

// Messages returns a copy of the conversation history, including any
// turns appended by completed sends.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.messages...)
}

// =============================================================================
// UPLOAD PROCESSING
// =============================================================================

// UploadLimits holds the per-file and cumulative upload size ceilings.
// Zero means unlimited.
type UploadLimits struct {
	MaxFileBytes   int64
	MaxUploadBytes int64
}

// ProcessUploads normalizes a batch of files, enforcing the per-file and
// cumulative size ceilings before invoking the normalizer. Failures are
// scoped to their file: the batch continues and every error is returned
// alongside the successes.
func ProcessUploads(files []normalize.File, pdfToText bool, limits UploadLimits) ([]*message.NormalizedFile, []error) {
	var (
		out   []*message.NormalizedFile
		errs  []error
		total int64
	)
	opts := normalize.Options{PDFToText: pdfToText}

	for _, f := range files {
		size := int64(len(f.Data))
		if limits.MaxFileBytes > 0 && size > limits.MaxFileBytes {
			errs = append(errs, &normalize.FileError{
				Name: f.Name,
				Err:  fmt.Errorf("exceeds the %d byte file limit", limits.MaxFileBytes),
			})
			continue
		}
		if limits.MaxUploadBytes > 0 && total+size > limits.MaxUploadBytes {
			errs = append(errs, &normalize.FileError{
				Name: f.Name,
				Err:  fmt.Errorf("exceeds the %d byte upload limit", limits.MaxUploadBytes),
			})
			continue
		}
		total += size

		nf, err := normalize.Normalize(f, opts)
		if err == nil && nf == nil {
			nf, err = normalize.Fallback(f)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, nf)
	}
	return out, errs
}

// ProcessUploads applies the session's configured ceilings.
func (s *Session) ProcessUploads(files []normalize.File, pdfToText bool) ([]*message.NormalizedFile, []error) {
	return ProcessUploads(files, pdfToText, UploadLimits{
		MaxFileBytes:   s.cfg.MaxFileBytes,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
	})
}

// =============================================================================
// SEND PIPELINE
// =============================================================================

// Send composes and sends one turn, forwarding lifecycle events to the
// returned channel. On Complete the user and assistant messages are
// persisted before the event is forwarded; on any terminal error the
// partial text is discarded and history is left untouched. Only one send
// may be in flight per session.
func (s *Session) Send(ctx context.Context, freeText string, files []*message.NormalizedFile) (<-chan stream.Event, error) {
	content, err := message.Compose(freeText, files)
	if err != nil {
		if errors.Is(err, message.ErrEmptyContent) {
			return nil, ErrNothingToSend
		}
		return nil, err
	}

	system, err := s.systemContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrSendInFlight
	}
	s.inFlight = true
	history := append([]message.Message(nil), s.messages...)
	s.mu.Unlock()

	req := stream.Request{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    system,
		History:   history,
		Content:   content,
	}

	out := make(chan stream.Event, 1)
	go s.pump(ctx, req, content, out)
	return out, nil
}

// pump consumes the stream and forwards events, persisting the turn on
// completion.
func (s *Session) pump(ctx context.Context, req stream.Request, content []message.ContentBlock, out chan<- stream.Event) {
	defer close(out)
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	for ev := range s.cfg.Sender.Send(ctx, req) {
		if ev.Kind != stream.EventComplete {
			out <- ev
			continue
		}

		userMsg := message.Message{Role: message.RoleUser, Content: content}
		assistantMsg := message.Message{
			Role:    message.RoleAssistant,
			Content: []message.ContentBlock{message.NewTextBlock(ev.Text)},
		}

		s.mu.Lock()
		s.messages = append(s.messages, userMsg, assistantMsg)
		snapshot := append([]message.Message(nil), s.messages...)
		s.mu.Unlock()

		if err := s.cfg.Store.SaveConversation(ctx, s.conversationID, snapshot); err != nil {
			log.Printf("[session] save conversation %s failed: %v", s.conversationID, err)
			s.mu.Lock()
			s.messages = s.messages[:len(s.messages)-2]
			s.mu.Unlock()
			out <- stream.Event{Kind: stream.EventError, Err: fmt.Errorf("save conversation: %w", err)}
			return
		}
		out <- ev
	}
}

// systemContext assembles the pinned-context sources fresh for this
// request.
func (s *Session) systemContext(ctx context.Context) ([]message.ContentBlock, error) {
	cfg, err := s.cfg.Store.SystemConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load system config: %w", err)
	}
	cache, err := s.cfg.Store.ConversationCache(ctx, s.conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation cache: %w", err)
	}
	return message.ComposeSystemContext(message.SystemContext{
		GlobalDirectives:        cfg.Directives,
		GlobalCacheContext:      cfg.CacheContext,
		ConversationCacheText:   cache.CacheText,
		ConversationCachedFiles: cache.CachedFiles,
	}), nil
}

// ErrorMessage renders a terminal failure as an assistant-role message
// for display. It is never persisted; only completed turns reach the
// store.
func ErrorMessage(err error) message.Message {
	return message.Message{
		Role:    message.RoleAssistant,
		Content: []message.ContentBlock{message.NewTextBlock("Error: " + err.Error())},
	}
}
