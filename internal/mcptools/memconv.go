package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xonecas/symbloop/internal/engine"
)

// memConversationStore is a throwaway, in-memory engine.ConversationStore
// for one sub-agent invocation's history. Sub-agent turns are never meant
// to survive past the SubAgent tool call that spawned them, so there is
// nothing here worth persisting to the real store.Cache.
type memConversationStore struct {
	mu sync.Mutex
	messages []engine.Message
	meta map[string]json.RawMessage
}

func newMemConversationStore() *memConversationStore {
	return &memConversationStore{meta: make(map[string]json.RawMessage)}
}

func (s *memConversationStore) GetHistory(ctx context.Context, id string) ([]engine.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Message(nil), s.messages...), nil
}

func (s *memConversationStore) GetMessage(ctx context.Context, id string, index int) (*engine.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return nil, fmt.Errorf("message index %d out of range", index)
	}
	msg := s.messages[index]
	return &msg, nil
}

func (s *memConversationStore) AddContent(ctx context.Context, id string, msg engine.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memConversationStore) UpdateMessage(ctx context.Context, id string, index int, patch engine.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return fmt.Errorf("message index %d out of range", index)
	}
	s.messages[index] = patch
	return nil
}

func (s *memConversationStore) DeleteToMessage(ctx context.Context, id string, fromIndex int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromIndex < 0 || fromIndex >= len(s.messages) {
		return 0, nil
	}
	n := len(s.messages) - fromIndex
	s.messages = s.messages[:fromIndex]
	return n, nil
}

func (s *memConversationStore) GetCustomMetadata(id string, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok
}

func (s *memConversationStore) SetCustomMetadata(id string, key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.meta, key)
		return
	}
	s.meta[key] = value
}
