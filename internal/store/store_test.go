// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/message"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chatrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func textMessage(role, text string) message.Message {
	return message.Message{Role: role, Content: []message.ContentBlock{message.NewTextBlock(text)}}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestStore_SaveAndLoadConversations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, "1700000000001", []message.Message{
		textMessage(message.RoleUser, "hi"),
		textMessage(message.RoleAssistant, "hello"),
	}))

	byID, order, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Equal(t, []string{"1700000000001"}, order)
	require.Equal(t, "hi", byID["1700000000001"][0].Content[0].Text)
	require.Equal(t, message.RoleAssistant, byID["1700000000001"][1].Role)
}

func TestStore_ConversationsOrderedByUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, "older", []message.Message{textMessage(message.RoleUser, "a")}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.SaveConversation(ctx, "newer", []message.Message{textMessage(message.RoleUser, "b")}))

	_, order, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"newer", "older"}, order)

	// Appending to the older conversation moves it to the front.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.SaveConversation(ctx, "older", []message.Message{
		textMessage(message.RoleUser, "a"),
		textMessage(message.RoleAssistant, "reply"),
	}))
	_, order, err = s.Conversations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"older", "newer"}, order)
}

func TestStore_SaveRejectsShrinkingConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, "c1", []message.Message{
		textMessage(message.RoleUser, "one"),
		textMessage(message.RoleAssistant, "two"),
	}))

	err := s.SaveConversation(ctx, "c1", []message.Message{textMessage(message.RoleUser, "one")})
	require.ErrorIs(t, err, ErrStaleConversation)
}

func TestStore_DeleteConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, "c1", []message.Message{textMessage(message.RoleUser, "x")}))
	require.NoError(t, s.SaveConversationCache(ctx, "c1", ConversationCache{CacheText: "pinned"}))

	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	require.ErrorIs(t, s.DeleteConversation(ctx, "c1"), ErrConversationNotFound)

	byID, _, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.Empty(t, byID)

	// The cache row cascades away; a fresh read yields the default.
	cache, err := s.ConversationCache(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, cache.CacheText)
}

func TestStore_SanitizesNulBytes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, "c1", []message.Message{
		textMessage(message.RoleUser, "bad\x00byte"),
	}))
	byID, _, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.Equal(t, "badbyte", byID["c1"][0].Content[0].Text)
}

// =============================================================================
// SYSTEM CONFIG TESTS
// =============================================================================

func TestStore_SystemConfigSeededAndSaved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg, err := s.SystemConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultDirectives, cfg.Directives)
	require.Empty(t, cfg.CacheContext)

	require.NoError(t, s.SaveSystemConfig(ctx, SystemConfig{
		Directives:   "be terse",
		CacheContext: "project background",
	}))
	cfg, err = s.SystemConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, "be terse", cfg.Directives)
	require.Equal(t, "project background", cfg.CacheContext)
}

// =============================================================================
// CONVERSATION CACHE TESTS
// =============================================================================

func TestStore_ConversationCacheDefaultAndRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cache, err := s.ConversationCache(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, cache.CacheText)
	require.NotNil(t, cache.CachedFiles)

	require.NoError(t, s.SaveConversation(ctx, "c1", []message.Message{textMessage(message.RoleUser, "x")}))
	require.NoError(t, s.SaveConversationCache(ctx, "c1", ConversationCache{
		CacheText: "pinned text",
		CachedFiles: []*message.NormalizedFile{
			{Name: "notes.txt", ExtractedText: "pinned file content"},
		},
	}))

	cache, err = s.ConversationCache(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "pinned text", cache.CacheText)
	require.Len(t, cache.CachedFiles, 1)
	require.Equal(t, "notes.txt", cache.CachedFiles[0].Name)
	require.Equal(t, "pinned file content", cache.CachedFiles[0].ExtractedText)

	// Upsert overwrites.
	require.NoError(t, s.SaveConversationCache(ctx, "c1", ConversationCache{CacheText: "replaced"}))
	cache, err = s.ConversationCache(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "replaced", cache.CacheText)
	require.Empty(t, cache.CachedFiles)
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
