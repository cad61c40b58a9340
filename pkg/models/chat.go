package models

import "time"

// PartType discriminates chat message parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a multi-part chat message.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	URL  string   `json:"url,omitempty"`
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an entry in a chat transcript.
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSession is an in-memory conversation about a hazard.
type ChatSession struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UpstreamID string    `json:"-"`
	Hazard     Hazard    `json:"hazard"`
	Image      string    `json:"image,omitempty"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
}
