// Package session хранит состояние диалога каждого чата.
package session

import (
	"context"
	"sync"

	"github.com/mmeshcher/licensebot/internal/model"
)

// MemoryStore хранит состояния диалогов в памяти процесса.
type MemoryStore struct {
	mu     sync.Mutex
	states map[int64]model.Conversation
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[int64]model.Conversation)}
}

// Get возвращает состояние чата; без сохранённого состояния возвращается Idle.
func (s *MemoryStore) Get(ctx context.Context, chatID int64) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.states[chatID]; ok {
		return c, nil
	}
	return model.Idle{}, nil
}

// Set перезаписывает состояние чата.
func (s *MemoryStore) Set(ctx context.Context, chatID int64, c model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Step() == model.StepIdle {
		delete(s.states, chatID)
		return nil
	}
	s.states[chatID] = c
	return nil
}

// Clear удаляет состояние чата.
func (s *MemoryStore) Clear(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, chatID)
	return nil
}

// ClearIfBound удаляет состояние, только если оно привязано к заказу orderID.
func (s *MemoryStore) ClearIfBound(ctx context.Context, chatID int64, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.states[chatID]
	if !ok || c.BoundOrder() != orderID {
		return false, nil
	}
	delete(s.states, chatID)
	return true, nil
}
