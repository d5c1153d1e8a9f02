package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn entry in a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a conversation bound to one analysis. SessionID equals the analysis id.
type Session struct {
	SessionID   string         `json:"session_id"`
	Analysis    map[string]any `json:"analysis"`
	ChatHistory []ChatMessage  `json:"chat_history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}
