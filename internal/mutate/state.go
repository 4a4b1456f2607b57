package mutate

import (
	"context"
	"sync"
)

// MessageState holds the locally cached, optimistically mutated view of
// per-message fields (read, flagged, folder, deleted). It is the value
// store the coordinator's actions snapshot and apply against.
type MessageState struct {
	mu     sync.Mutex
	fields map[string]map[string]any // messageID -> field -> value
}

func NewMessageState() *MessageState {
	return &MessageState{
		fields: make(map[string]map[string]any),
	}
}

// Get returns the cached value of one field of a message.
func (s *MessageState) Get(messageID, field string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.fields[messageID]; ok {
		return m[field]
	}
	return nil
}

// Set overwrites the cached value of one field of a message.
func (s *MessageState) Set(messageID, field string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fields[messageID]
	if !ok {
		m = make(map[string]any)
		s.fields[messageID] = m
	}
	m[field] = v
}

// Caller issues the server side of a mutation, e.g. an HTTP call against
// the mail engine's CRUD API.
type Caller interface {
	Mutate(ctx context.Context, kind, targetID string, value any) error
}

// KindMarkRead is the mutation kind whose optimistic apply also moves the
// folder's unread counter.
const KindMarkRead = "mark_read"

// UnreadAdjuster adjusts a folder's unread count in step with read-state
// mutations. Satisfied by the session's counter cache.
type UnreadAdjuster interface {
	Increment(ctx context.Context, folderID string, n int) int
	Decrement(ctx context.Context, folderID string, n int) int
}

// ReadAction builds an Action that marks a message read or unread and
// moves the folder's unread counter with it. The adjustment happens inside
// Apply, so a rollback restores the counter along with the field.
func ReadAction(state *MessageState, unread UnreadAdjuster, caller Caller, messageID, folderID string, read bool) Action {
	return Action{
		Kind:     KindMarkRead,
		TargetID: messageID,
		Snapshot: func() any { return state.Get(messageID, "read") },
		Apply: func(v any) {
			prev, _ := state.Get(messageID, "read").(bool)
			next, _ := v.(bool)
			// 只在已读状态真正翻转时动计数器
			if prev != next {
				if next {
					unread.Decrement(context.Background(), folderID, 1)
				} else {
					unread.Increment(context.Background(), folderID, 1)
				}
			}
			state.Set(messageID, "read", v)
		},
		NewValue: read,
		Call: func(ctx context.Context) error {
			return caller.Mutate(ctx, KindMarkRead, messageID, read)
		},
	}
}

// FieldAction builds an Action over one field of one message, with the
// server call delegated to the caller.
func FieldAction(state *MessageState, caller Caller, kind, messageID, field string, newValue any) Action {
	return Action{
		Kind:     kind,
		TargetID: messageID,
		Snapshot: func() any { return state.Get(messageID, field) },
		Apply:    func(v any) { state.Set(messageID, field, v) },
		NewValue: newValue,
		Call: func(ctx context.Context) error {
			return caller.Mutate(ctx, kind, messageID, newValue)
		},
	}
}
