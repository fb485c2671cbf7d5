package models

import "time"

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
)

// InboundMessage is the unified inbound message format across all channels.
// It is constructed once by the delivery gate and consumed exactly once by
// the orchestrator's message handler.
type InboundMessage struct {
	ID           string       `json:"id"`
	ChatJID      string       `json:"chat_jid"` // Canonical conversation id
	Channel      ChannelType  `json:"channel"`
	Sender       string       `json:"sender"`
	SenderName   string       `json:"sender_name"`
	Content      string       `json:"content"`
	Timestamp    string       `json:"timestamp"` // ISO 8601 (UTC)
	IsFromMe     bool         `json:"is_from_me"`
	IsBotMessage bool         `json:"is_bot_message"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a resolved file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Path     string `json:"path,omitempty"` // Local path after download
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMetadata is the discovery record kept for every conversation the
// gateway has ever seen, registered or not. It lets an operator register a
// previously-unseen chat by jid.
type ChatMetadata struct {
	JID      string      `json:"jid"` // Canonical conversation id
	Channel  ChannelType `json:"channel"`
	Name     string      `json:"name,omitempty"`
	IsGroup  bool        `json:"is_group"`
	LastSeen time.Time   `json:"last_seen"`
}

// RegisteredGroup is the authorization record that gates full message
// delivery for a conversation. Created and removed administratively, never
// by channel traffic.
type RegisteredGroup struct {
	JID             string `json:"jid"` // Canonical conversation id at registration time
	Name            string `json:"name"`
	Folder          string `json:"folder"` // Working-directory handle
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requires_trigger"`
	AddedAt         string `json:"added_at"` // ISO 8601
	ContainerConfig string `json:"container_config,omitempty"`
}

// RawAttachment describes an attachment as reported by a platform adapter,
// before the delivery gate applies the download policy.
type RawAttachment struct {
	URL      string
	Data     []byte // Already-fetched payload, if the platform pushes bytes
	Filename string
	MimeType string
	Size     int64
}

// RawEvent is an inbound event as normalized by a platform adapter. Chat and
// sender ids are raw platform identifiers; canonicalization happens in the
// delivery gate.
type RawEvent struct {
	MessageID   string
	ChatJID     string
	ChatName    string
	Sender      string
	SenderName  string
	Content     string
	Timestamp   time.Time
	IsFromMe    bool
	IsGroup     bool
	Attachments []RawAttachment
}
