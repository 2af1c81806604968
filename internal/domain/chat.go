// Package domain holds the data model shared by the back-office clients and the chat relay.
package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Sender identifies which side of a conversation wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderCustomer || s == SenderAgent
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// AttachmentKind classifies an attachment by its media type.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindDocument AttachmentKind = "pdf"
)

// Attachment is a single media file carried by a message.
type Attachment struct {
	Kind     AttachmentKind `json:"type"`
	URL      string         `json:"url"`
	FileName string         `json:"fileName,omitempty"`
	Size     int64          `json:"fileSize,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
}

// Message is an immutable entry in a conversation.
type Message struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"chatId,omitempty"`
	Sender         Sender      `json:"sender"`
	SenderID       string      `json:"senderId,omitempty"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"media,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Key returns the identity used to de-duplicate messages. Messages without a
// server-assigned ID fall back to sender, timestamp and text.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return string(m.Sender) + "|" + m.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + m.Text
}

// Empty reports whether the message carries neither text nor attachment.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Attachment == nil
}

// AgentRef is the agent a conversation is assigned to. The backend sends
// either a bare ID or a populated object; both decode to the same value.
type AgentRef struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName,omitempty"`
}

func (a *AgentRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.ID)
	}
	type plain AgentRef
	return json.Unmarshal(data, (*plain)(a))
}

// Conversation is a support thread between one customer and the agent team.
type Conversation struct {
	ID            string    `json:"_id"`
	CustomerName  string    `json:"customerName"`
	CustomerEmail string    `json:"customerEmail"`
	Category      string    `json:"chatType"`
	Status        Status    `json:"status"`
	AssignedAgent *AgentRef `json:"assignedAgent,omitempty"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// Resolved reports whether the conversation has been closed.
func (c *Conversation) Resolved() bool {
	return c.Status == StatusResolved
}

// CategoryLabel renders the chat type for display ("diet_plan" -> "DIET PLAN").
func (c *Conversation) CategoryLabel() string {
	return strings.ToUpper(strings.ReplaceAll(c.Category, "_", " "))
}

// LastMessage returns the newest message, if any.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Participant identifies one side of a chat in typing and join events.
type Participant struct {
	Type Sender `json:"userType"`
	ID   string `json:"userId"`
}

func (p Participant) String() string {
	return string(p.Type) + ":" + p.ID
}
