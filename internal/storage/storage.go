package storage

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// StoredMessage is the durable form of one routed chat message.
type StoredMessage struct {
	Sender    int64  `msgpack:"sndr" json:"sndr"`
	Receiver  int64  `msgpack:"recv" json:"recv"`
	Content   string `msgpack:"content" json:"content"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
	Delivered bool   `msgpack:"delivered" json:"delivered"`
}

// MessageStore is the document-store collaborator: chat history plus the
// offline queue replayed at login. Only handler logic touches it; the
// framing and dispatch layers never do.
type MessageStore interface {
	Save(ctx context.Context, msg StoredMessage) error
	// FindOffline drains the undelivered messages queued for recipient.
	// Each message is returned once.
	FindOffline(ctx context.Context, recipient int64) ([]StoredMessage, error)
	// FindHistory returns a page of recipient's history, oldest first.
	FindHistory(ctx context.Context, recipient int64, offset, count int) ([]StoredMessage, error)
	Close() error
}

// PairStore is the key-value collaborator holding customer/agent
// associations so a pairing survives reconnects.
type PairStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}
