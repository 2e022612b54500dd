package store

import "context"

const (
	KindMessage = "message"
	KindSystem  = "system"
)

// Message is one persisted chat message. ID is assigned by the store and
// strictly increases within a room; a message is immutable once appended.
type Message struct {
	ID         int64  `json:"id" bson:"seq"`
	TenantID   string `json:"tenantId" bson:"tenant_id"`
	RoomID     string `json:"roomId" bson:"room_id"`
	SenderID   string `json:"senderId" bson:"sender_id"`
	SenderName string `json:"senderName" bson:"sender_name"`
	Content    string `json:"content" bson:"content"`
	Kind       string `json:"kind" bson:"kind"`
	CreatedAt  int64  `json:"createdAt" bson:"created_at"` // unix millis
}

// Store is the append-only message persistence a room coordinator talks
// to. It is the single source of truth for per-room ordering: the id it
// assigns in Append is the order every client observes.
type Store interface {
	// Append persists a draft and returns the copy with its assigned id.
	Append(ctx context.Context, draft *Message) (*Message, error)
	// Tail returns the newest messages of a room, ascending by id,
	// at most limit of them.
	Tail(ctx context.Context, roomID string, limit int) ([]*Message, error)
}
