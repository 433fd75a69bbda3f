package model

import "time"

// Message is one entry of a direct conversation. ID is globally unique.
type Message struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"senderId"`
	ReceiverID  string       `json:"receiverId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	OrderID     string       `json:"orderId,omitempty"` // set when the message refers to an order
}

// Between reports whether the message belongs to the conversation of a and b.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Attachment is a stored blob referenced by a message.
type Attachment struct {
	URL      string `json:"url"` // origin URL in blob storage
	Filename string `json:"filename"`
	Kind     string `json:"kind"` // media kind, e.g. image, video, file
	Index    int    `json:"index"`
}

// AttachmentDraft is a file about to be sent with a message.
type AttachmentDraft struct {
	Filename    string
	ContentType string // sniffed from Data when empty
	Data        []byte
}

// Draft is an outgoing message before the backend assigned it an identity.
type Draft struct {
	ReceiverID  string
	Content     string
	OrderID     string
	Attachments []AttachmentDraft
}

// Conversation is one row of the conversation summary list.
type Conversation struct {
	PeerID      string   `json:"peerId"`
	PeerName    string   `json:"peerName,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}
