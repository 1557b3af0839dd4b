// Package inproc provides an in-memory conversation source for tests
// and local demo runs, with the same read semantics as the PR-backed
// transport.
package inproc

import (
	"context"
	"errors"
	"sync"

	"agentloop/internal/conversation"
	"agentloop/internal/domain"
)

var ErrUnknownThread = errors.New("thread does not exist")

// Source stores messages per thread. Safe for concurrent use.
type Source struct {
	mu      sync.RWMutex
	threads map[string][]domain.Message
}

func New() *Source {
	return &Source{threads: make(map[string][]domain.Message)}
}

// Post appends a message to its thread, creating the thread on first
// use. Messages keep sort order regardless of insertion order.
func (s *Source) Post(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.threads[msg.Thread], msg)
	conversation.SortMessages(msgs)
	s.threads[msg.Thread] = msgs
}

// Threads lists the known thread names, unordered.
func (s *Source) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.threads))
	for thread := range s.threads {
		out = append(out, thread)
	}
	return out
}

// ReadThread returns the last n messages of a thread in sort order.
// An unknown thread is an error, matching the remote transport.
func (s *Source) ReadThread(_ context.Context, thread string, lastN int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.threads[thread]
	if !ok {
		return nil, ErrUnknownThread
	}
	if lastN > 0 && len(msgs) > lastN {
		msgs = msgs[len(msgs)-lastN:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// NewMessages returns messages with filenames strictly after the
// watermark. A watermark without a timestamp prefix yields nothing.
func (s *Source) NewMessages(_ context.Context, thread, after string) ([]domain.Message, error) {
	if conversation.Timestamp(after) == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.threads[thread]
	if !ok {
		return nil, ErrUnknownThread
	}
	var out []domain.Message
	for _, m := range msgs {
		if m.Filename > after {
			out = append(out, m)
		}
	}
	return out, nil
}
