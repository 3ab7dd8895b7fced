// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/message"
	"github.com/jeranaias/chatrelay/internal/normalize"
	"github.com/jeranaias/chatrelay/internal/store"
	"github.com/jeranaias/chatrelay/internal/stream"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeStore struct {
	mu       sync.Mutex
	saved    map[string][]message.Message
	saveErr  error
	sysCfg   store.SystemConfig
	cache    store.ConversationCache
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]message.Message)}
}

func (f *fakeStore) SaveConversation(_ context.Context, id string, msgs []message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[id] = append([]message.Message(nil), msgs...)
	return nil
}

func (f *fakeStore) SystemConfig(context.Context) (store.SystemConfig, error) {
	return f.sysCfg, nil
}

func (f *fakeStore) ConversationCache(context.Context, string) (store.ConversationCache, error) {
	return f.cache, nil
}

type fakeSender struct {
	mu       sync.Mutex
	requests []stream.Request
	events   []stream.Event
}

func (f *fakeSender) Send(_ context.Context, req stream.Request) <-chan stream.Event {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	events := append([]stream.Event(nil), f.events...)
	f.mu.Unlock()

	out := make(chan stream.Event, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out
}

func drain(t *testing.T, events <-chan stream.Event) (terminal stream.Event) {
	t.Helper()
	for ev := range events {
		terminal = ev
	}
	return terminal
}

func testSession(st Store, sender Sender, history ...message.Message) *Session {
	return New(Config{
		Store:     st,
		Sender:    sender,
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 1024,
	}, "conv1", history)
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestSend_CompletePersistsTurn(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{events: []stream.Event{
		{Kind: stream.EventUpdate, Delta: "hi", Text: "hi"},
		{Kind: stream.EventComplete, Text: "hi there"},
	}}
	s := testSession(st, sender)

	events, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	terminal := drain(t, events)
	require.Equal(t, stream.EventComplete, terminal.Kind)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, message.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content[0].Text)
	require.Equal(t, message.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hi there", msgs[1].Content[0].Text)

	require.Equal(t, msgs, st.saved["conv1"])
}

func TestSend_ErrorDiscardsPartial(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{events: []stream.Event{
		{Kind: stream.EventUpdate, Delta: "part", Text: "part"},
		{Kind: stream.EventError, Err: errors.New("upstream died")},
	}}
	s := testSession(st, sender)

	events, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	terminal := drain(t, events)
	require.Equal(t, stream.EventError, terminal.Kind)

	// Partial text is discarded: nothing appended, nothing saved.
	require.Empty(t, s.Messages())
	require.Empty(t, st.saved)
}

func TestSend_EmptySubmissionShortCircuits(t *testing.T) {
	s := testSession(newFakeStore(), &fakeSender{})
	_, err := s.Send(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrNothingToSend)
}

func TestSend_SystemContextAssembled(t *testing.T) {
	st := newFakeStore()
	st.sysCfg = store.SystemConfig{Directives: "be terse", CacheContext: "bg"}
	st.cache = store.ConversationCache{
		CacheText:   "pinned",
		CachedFiles: []*message.NormalizedFile{{Name: "a.txt", ExtractedText: "alpha"}},
	}
	sender := &fakeSender{events: []stream.Event{{Kind: stream.EventComplete, Text: "ok"}}}
	s := testSession(st, sender)

	events, err := s.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	drain(t, events)

	require.Len(t, sender.requests, 1)
	system := sender.requests[0].System
	require.Len(t, system, 4)
	require.Equal(t, "be terse", system[0].Text)
	require.Equal(t, "bg", system[1].Text)
	require.Equal(t, "pinned", system[2].Text)
	require.Contains(t, system[3].Text, "File: a.txt")
}

func TestSend_HistoryForwarded(t *testing.T) {
	prior := []message.Message{
		{Role: message.RoleUser, Content: []message.ContentBlock{message.NewTextBlock("q")}},
		{Role: message.RoleAssistant, Content: []message.ContentBlock{message.NewTextBlock("a")}},
	}
	sender := &fakeSender{events: []stream.Event{{Kind: stream.EventComplete, Text: "ok"}}}
	s := testSession(newFakeStore(), sender, prior...)

	events, err := s.Send(context.Background(), "followup", nil)
	require.NoError(t, err)
	drain(t, events)

	require.Len(t, sender.requests[0].History, 2)
	require.Equal(t, "followup", sender.requests[0].Content[0].Text)
}

func TestSend_SaveFailureSurfacesAsError(t *testing.T) {
	st := newFakeStore()
	st.saveErr = errors.New("db gone")
	sender := &fakeSender{events: []stream.Event{{Kind: stream.EventComplete, Text: "ok"}}}
	s := testSession(st, sender)

	events, err := s.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	terminal := drain(t, events)

	require.Equal(t, stream.EventError, terminal.Kind)
	require.ErrorContains(t, terminal.Err, "db gone")
	// The un-persisted turn is rolled back.
	require.Empty(t, s.Messages())
}

func TestSend_RejectsConcurrentSend(t *testing.T) {
	st := newFakeStore()
	block := make(chan stream.Event)
	sender := senderFunc(func(context.Context, stream.Request) <-chan stream.Event { return block })
	s := testSession(st, sender)

	_, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "second", nil)
	require.ErrorIs(t, err, ErrSendInFlight)
	close(block)
}

type senderFunc func(context.Context, stream.Request) <-chan stream.Event

func (f senderFunc) Send(ctx context.Context, req stream.Request) <-chan stream.Event {
	return f(ctx, req)
}

// =============================================================================
// UPLOAD TESTS
// =============================================================================

func TestProcessUploads_BatchContinuesPastFailures(t *testing.T) {
	s := New(Config{MaxFileBytes: 1 << 20, MaxUploadBytes: 2 << 20}, "conv1", nil)

	files := []normalize.File{
		{Name: "ok.txt", MIMEType: "text/plain", Data: []byte("fine")},
		{Name: "empty.txt", MIMEType: "text/plain", Data: []byte("   ")},
		{Name: "also-ok.txt", MIMEType: "text/plain", Data: []byte("good")},
	}
	out, errs := s.ProcessUploads(files, false)

	require.Len(t, out, 2)
	require.Equal(t, "ok.txt", out[0].Name)
	require.Equal(t, "also-ok.txt", out[1].Name)

	require.Len(t, errs, 1)
	var fe *normalize.FileError
	require.ErrorAs(t, errs[0], &fe)
	require.Equal(t, "empty.txt", fe.Name)
}

func TestProcessUploads_SizeCeilings(t *testing.T) {
	s := New(Config{MaxFileBytes: 10, MaxUploadBytes: 15}, "conv1", nil)

	files := []normalize.File{
		{Name: "big.txt", Data: make([]byte, 11)},
		{Name: "a.txt", Data: []byte("12345678")},
		{Name: "b.txt", Data: []byte("12345678")}, // pushes the batch past 15
	}
	out, errs := s.ProcessUploads(files, false)

	require.Len(t, out, 1)
	require.Equal(t, "a.txt", out[0].Name)
	require.Len(t, errs, 2)
	require.ErrorContains(t, errs[0], "file limit")
	require.ErrorContains(t, errs[1], "upload limit")
}

func TestErrorMessage(t *testing.T) {
	m := ErrorMessage(errors.New("boom"))
	require.Equal(t, message.RoleAssistant, m.Role)
	require.Equal(t, "Error: boom", m.Content[0].Text)
}
