// Package transcript keeps the ordered message log of every chat session.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/chat-relay/backend/internal/apperr"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	"github.com/zhouzirui/chat-relay/backend/internal/storage"
)

const keyPrefix = "transcript:"

// Store persists each session transcript as one JSON list under a single key.
// There is no cache: every call loads the list, works on it and saves it back.
type Store struct {
	kv         storage.Store
	partitions *partitions
	log        observability.Logger
}

// NewStore creates a transcript store on top of kv.
func NewStore(kv storage.Store, logger observability.Logger) *Store {
	return &Store{
		kv:         kv,
		partitions: newPartitions(),
		log:        observability.Component(logger, "transcript"),
	}
}

// Append adds message to the end of the session transcript.
func (s *Store) Append(ctx context.Context, sessionID string, message chat.Message) error {
	unlock := s.partitions.lock(sessionID)
	defer unlock()

	messages, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	if message.Timestamp == 0 {
		message.Timestamp = chat.NowMillis()
	}
	messages = append(messages, message)

	if err := s.save(ctx, sessionID, messages); err != nil {
		return err
	}

	s.log.Debugf("appended %s message to session=%s (len=%d)", message.Role, sessionID, len(messages))
	return nil
}

// ReadAll returns the whole transcript in insertion order. Unknown sessions
// yield an empty, non-nil slice.
func (s *Store) ReadAll(ctx context.Context, sessionID string) ([]chat.Message, error) {
	unlock := s.partitions.lock(sessionID)
	defer unlock()

	return s.load(ctx, sessionID)
}

// Clear drops every message of the session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	unlock := s.partitions.lock(sessionID)
	defer unlock()

	if err := s.kv.Delete(ctx, key(sessionID)); err != nil {
		return fmt.Errorf("clear transcript %s: %w: %w", sessionID, err, apperr.ErrUpstream)
	}

	s.log.Infof("cleared transcript for session=%s", sessionID)
	return nil
}

func (s *Store) load(ctx context.Context, sessionID string) ([]chat.Message, error) {
	raw, ok, err := s.kv.Get(ctx, key(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w: %w", sessionID, err, apperr.ErrUpstream)
	}
	if !ok {
		return []chat.Message{}, nil
	}

	messages := []chat.Message{}
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w: %w", sessionID, err, apperr.ErrInternal)
	}
	return messages, nil
}

func (s *Store) save(ctx context.Context, sessionID string, messages []chat.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode transcript %s: %w: %w", sessionID, err, apperr.ErrInternal)
	}

	if err := s.kv.Put(ctx, key(sessionID), raw); err != nil {
		return fmt.Errorf("save transcript %s: %w: %w", sessionID, err, apperr.ErrUpstream)
	}
	return nil
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}
