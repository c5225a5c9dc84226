package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"triage/internal/state"
)

// MemoryStore is an in-process Store used by tests and the in-process
// work-item emitter examples. It honors the same CAS and ordering semantics
// as the Postgres implementation.
type MemoryStore struct {
	mu sync.Mutex

	threads  map[int64]*Thread
	messages map[int64]*Message
	audits   []AuditEntry

	nextThreadID  int64
	nextMessageID int64
	nextAuditID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[int64]*Thread),
		messages: make(map[int64]*Message),
	}
}

func (s *MemoryStore) GetOrCreateThread(_ context.Context, publicID, title, source string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads {
		if t.PublicID == publicID {
			return *t, nil
		}
	}

	s.nextThreadID++
	now := time.Now().UTC()
	thread := &Thread{
		ID:             s.nextThreadID,
		PublicID:       publicID,
		Title:          title,
		Status:         StatusOpen,
		PrimarySource:  source,
		State:          state.Empty(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	s.threads[thread.ID] = thread
	return *thread, nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID int64) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) GetThreadByPublicID(_ context.Context, publicID string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads {
		if t.PublicID == publicID {
			return *t, nil
		}
	}
	return Thread{}, ErrNotFound
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.PublicID == msg.PublicID {
			return Message{}, ErrDuplicate
		}
	}
	if _, ok := s.threads[msg.ThreadID]; !ok {
		return Message{}, ErrNotFound
	}

	s.nextMessageID++
	msg.ID = s.nextMessageID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := msg
	s.messages[msg.ID] = &stored

	thread := s.threads[msg.ThreadID]
	if msg.CreatedAt.After(thread.LastActivityAt) {
		thread.LastActivityAt = msg.CreatedAt
	}
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []Message
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.DeletedAt == nil {
			messages = append(messages, *m)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *MemoryStore) GetMessageByPublicID(_ context.Context, publicID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.PublicID == publicID {
			return *m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) EditMessage(_ context.Context, publicID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.PublicID == publicID && m.DeletedAt == nil {
			now := time.Now().UTC()
			m.Text = text
			m.EditedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) TombstoneMessage(_ context.Context, publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.PublicID == publicID && m.DeletedAt == nil {
			now := time.Now().UTC()
			m.DeletedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ApplyStateUpdate(_ context.Context, threadID int64, next state.ThreadState, expectedUpdatedAt time.Time, auditAction string, details map[string]any) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	if !thread.UpdatedAt.Equal(expectedUpdatedAt) {
		return Thread{}, ErrConflict
	}

	now := time.Now().UTC()
	if !now.After(thread.UpdatedAt) {
		now = thread.UpdatedAt.Add(time.Microsecond)
	}
	thread.State = next
	thread.UpdatedAt = now
	if now.After(thread.LastActivityAt) {
		thread.LastActivityAt = now
	}

	s.appendAuditLocked(AuditEntry{
		EntityType: "thread",
		EntityID:   threadID,
		Action:     auditAction,
		Details:    details,
	})
	return *thread, nil
}

func (s *MemoryStore) UpdateThreadStatus(_ context.Context, threadID int64, to ThreadStatus, expectedUpdatedAt time.Time) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	if thread.Status == to {
		return *thread, nil
	}
	if !CanTransition(thread.Status, to) {
		return Thread{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, thread.Status, to)
	}
	if !thread.UpdatedAt.Equal(expectedUpdatedAt) {
		return Thread{}, ErrConflict
	}

	from := thread.Status
	thread.Status = to
	thread.UpdatedAt = time.Now().UTC()
	if !thread.UpdatedAt.After(expectedUpdatedAt) {
		thread.UpdatedAt = expectedUpdatedAt.Add(time.Microsecond)
	}

	s.appendAuditLocked(AuditEntry{
		EntityType: "thread",
		EntityID:   threadID,
		Action:     AuditThreadStatusChanged,
		Details:    map[string]any{"from": string(from), "to": string(to)},
	})
	return *thread, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) appendAuditLocked(entry AuditEntry) {
	s.nextAuditID++
	entry.ID = s.nextAuditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
}

func (s *MemoryStore) ListAudit(_ context.Context, entityType string, entityID int64) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []AuditEntry
	for _, entry := range s.audits {
		if entry.EntityType == entityType && entry.EntityID == entityID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
