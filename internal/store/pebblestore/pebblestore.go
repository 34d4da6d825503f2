// Package pebblestore keeps messages in an embedded pebble database.
//
// Key layout:
//
//	msg/<id>                          -> JSON message
//	pending/<to>\x00<ts>-<seq>        -> id, present while undelivered
//	conv/<a>\x00<b>\x00<ts>-<seq>     -> id, a <= b
//	meta/seq                          -> last sequence number
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pliu/ume/internal/logger"
	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/store"
)

var seqKey = []byte("meta/seq")

type Store struct {
	db *pebble.DB

	// mu serialises writers so seq and the pending index stay consistent.
	mu  sync.Mutex
	seq uint64
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path. opts may be nil.
func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	logger.Log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	s := &Store{db: db}
	v, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			s.seq = binary.BigEndian.Uint64(v)
		}
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, err
	}
	return s, nil
}

func sortKey(createdAt time.Time, seq uint64) string {
	return fmt.Sprintf("%020d-%020d", createdAt.UnixNano(), seq)
}

func pendingPrefix(to string) []byte {
	return []byte("pending/" + to + "\x00")
}

func convPrefix(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte("conv/" + a + "\x00" + b + "\x00")
}

func msgKey(id string) []byte {
	return []byte("msg/" + id)
}

// upperBound returns the smallest key greater than every key with prefix.
// prefix always ends in \x00.
func upperBound(prefix []byte) []byte {
	ub := append([]byte(nil), prefix...)
	ub[len(ub)-1] = 0x01
	return ub
}

type record struct {
	models.Message
	Seq uint64 `json:"seq"`
}

func (s *Store) Append(ctx context.Context, m *models.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	id := uuid.NewString()
	rec := record{Message: *m, Seq: seq}
	rec.ID = id
	rec.Delivered = false
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	sk := sortKey(m.CreatedAt, seq)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(msgKey(id), data, nil)
	batch.Set(append(pendingPrefix(m.To), sk...), []byte(id), nil)
	batch.Set(append(convPrefix(m.From, m.To), sk...), []byte(id), nil)
	batch.Set(seqKey, seqBuf[:], nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Log.Error("pebble_append_failed", zap.Error(err))
		return "", err
	}

	s.seq = seq
	m.ID = id
	m.Delivered = false
	return id, nil
}

func (s *Store) get(id string) (*record, error) {
	v, closer, err := s.db.Get(msgKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(id)
	if err != nil {
		return err
	}
	if rec.Delivered {
		return nil
	}
	rec.Delivered = true
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(msgKey(id), data, nil)
	batch.Delete(append(pendingPrefix(rec.To), sortKey(rec.CreatedAt, rec.Seq)...), nil)
	return batch.Commit(pebble.Sync)
}

func (s *Store) FindUndelivered(ctx context.Context, username string) ([]models.Message, error) {
	prefix := pendingPrefix(username)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *Store) FindConversation(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = store.DefaultConversationLimit
	}
	prefix := convPrefix(userA, userB)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// Walk backwards from the newest entry, then flip to ascending order.
	ids := make([]string, 0, limit)
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return s.load(ctx, ids)
}

func (s *Store) load(ctx context.Context, ids []string) ([]models.Message, error) {
	messages := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.get(id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, rec.Message)
	}
	return messages, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	logger.Log.Info("pebble_closed")
	return nil
}
