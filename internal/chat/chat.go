// Package chat models conversations and renders them into model prompts.
package chat

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const DefaultSystemPrompt = "You are a helpful AI assistant."

type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Streaming  bool      `json:"streaming,omitempty"`
	TokenCount int       `json:"token_count,omitempty"`
}

func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Session is a conversation history. It is not safe for concurrent use.
type Session struct {
	ID           string    `json:"id"`
	SystemPrompt string    `json:"system_prompt"`
	Messages     []Message `json:"messages"`
}

func NewSession(systemPrompt string) *Session {
	return &Session{
		ID:           uuid.NewString(),
		SystemPrompt: systemPrompt,
	}
}

func (s *Session) Add(role Role, content string) Message {
	m := NewMessage(role, content)
	s.Messages = append(s.Messages, m)
	return m
}

// UpdateLast replaces the content of the newest message. It is a no-op on an
// empty session.
func (s *Session) UpdateLast(content string, streaming bool, tokenCount int) {
	if len(s.Messages) == 0 {
		return
	}
	last := &s.Messages[len(s.Messages)-1]
	last.Content = content
	last.Streaming = streaming
	last.TokenCount = tokenCount
}

func (s *Session) Clear() {
	s.Messages = nil
}
