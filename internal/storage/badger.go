package storage

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hyperline/hyperline/internal/observability/log"
)

// Key layout:
//
//	msg/<recipient>/<seq>  full history, oldest first
//	off/<recipient>/<seq>  offline queue, drained on login
//
// Recipient and sequence are zero-padded so byte order matches numeric
// order under badger's prefix iteration.
const (
	historyPrefix = "msg"
	offlinePrefix = "off"
	seqKey        = "seq/messages"
	seqBandwidth  = 128
)

// BadgerMessageStore is the production MessageStore, backed by an embedded
// badger database with msgpack-encoded values.
type BadgerMessageStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger log.Log
	closed int32
}

func NewBadgerMessageStore(dir string, logger log.Log) (*BadgerMessageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create store directory")
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger store")
	}

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to open message sequence")
	}

	return &BadgerMessageStore{
		db:     db,
		seq:    seq,
		logger: logger.With(log.String("component", "message_store")),
	}, nil
}

func (s *BadgerMessageStore) Save(ctx context.Context, msg StoredMessage) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := msgpack.Marshal(&msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}

	n, err := s.seq.Next()
	if err != nil {
		return errors.Wrap(err, "failed to advance message sequence")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(historyPrefix, msg.Receiver, n), val); err != nil {
			return err
		}
		if !msg.Delivered {
			return txn.Set(messageKey(offlinePrefix, msg.Receiver, n), val)
		}
		return nil
	})
}

// FindOffline drains recipient's offline queue: the returned messages are
// deleted in the same transaction, so each is replayed at most once.
func (s *BadgerMessageStore) FindOffline(ctx context.Context, recipient int64) ([]StoredMessage, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var msgs []StoredMessage
	prefix := recipientPrefix(offlinePrefix, recipient)

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var drained [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var msg StoredMessage
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &msg)
			}); err != nil {
				return errors.Wrap(err, "failed to decode stored message")
			}
			msgs = append(msgs, msg)
			drained = append(drained, item.KeyCopy(nil))
		}

		for _, key := range drained {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

func (s *BadgerMessageStore) FindHistory(ctx context.Context, recipient int64, offset, count int) ([]StoredMessage, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	var msgs []StoredMessage
	prefix := recipientPrefix(historyPrefix, recipient)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid() && len(msgs) < count; it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			var msg StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &msg)
			}); err != nil {
				return errors.Wrap(err, "failed to decode stored message")
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

func (s *BadgerMessageStore) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Sequence release failed", log.Error(err))
	}
	return s.db.Close()
}

func messageKey(prefix string, recipient int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%020d", prefix, recipient, seq))
}

func recipientPrefix(prefix string, recipient int64) []byte {
	return []byte(fmt.Sprintf("%s/%020d/", prefix, recipient))
}
