package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	TenantID     *string
	CreatedAt    time.Time
}

// Conversation is a thread of messages between participants, optionally
// attached to an external resource via the context pair. ContextType and
// ContextID are both set or both nil; a partial pair never reaches the
// store.
type Conversation struct {
	ID            string
	ContextType   *string
	ContextID     *string
	Title         *string
	CreatedBy     string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// Participant links a user to a conversation. LastSeenAt is the
// per-conversation watermark; nil means the user never viewed the thread.
type Participant struct {
	ConversationID string
	UserID         string
	DisplayName    *string
	LastSeenAt     *time.Time
	CreatedAt      time.Time
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Metadata       *string
	ReplyTo        *string
	IsDeleted      bool
	DeletedReason  *string
	CreatedAt      time.Time
}

// UserActivity holds the per-user global watermark, independent of any
// per-conversation Participant watermark.
type UserActivity struct {
	UserID     string
	LastSeenAt *time.Time
	UpdatedAt  time.Time
}

// ConversationListItem carries a conversation plus the viewer's own
// participant watermark, so unread flags come out of the list query
// without a second round trip.
type ConversationListItem struct {
	Conversation
	ViewerLastSeenAt *time.Time
}
