package rpc

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
	"github.com/TimSimpsonR/sneaky-pete-sub001/storage"
)

// Journal remembers which msg ids were answered, so a request the broker redelivers
// after a reconnect is acknowledged without running it again. A nil *Journal remembers
// nothing.
type Journal struct {
	store     storage.StorageProvider
	retention time.Duration
	log       logger.Logger
	now       func() time.Time
}

type journalRecord struct {
	MsgID     string    `json:"msg_id"`
	Method    string    `json:"method,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewJournal uses an initialized store. Replied entries expire after retention.
func NewJournal(store storage.StorageProvider, retention time.Duration, log logger.Logger) *Journal {
	return &Journal{store: store, retention: retention, log: logger.OrNil(log), now: time.Now}
}

// Started records that work on msgID began.
func (j *Journal) Started(msgID, method string) {
	if j == nil {
		return
	}
	if err := j.put(storage.KeyPrefixPending+msgID, journalRecord{MsgID: msgID, Method: method}, 0); err != nil {
		j.log.Warn("Journal: recording start of %s: %v", msgID, err)
	}
}

// Replied reports whether a reply for msgID was already sent.
func (j *Journal) Replied(msgID string) bool {
	if j == nil {
		return false
	}
	ok, err := j.store.Exists(storage.KeyPrefixReplied + msgID)
	if err != nil {
		j.log.Warn("Journal: looking up %s: %v", msgID, err)
		return false
	}
	return ok
}

// MarkReplied records that the reply for msgID was sent.
func (j *Journal) MarkReplied(msgID string) {
	if j == nil {
		return
	}
	if err := j.put(storage.KeyPrefixReplied+msgID, journalRecord{MsgID: msgID}, j.retention); err != nil {
		j.log.Warn("Journal: recording reply to %s: %v", msgID, err)
	}
	if err := j.store.Delete(storage.KeyPrefixPending + msgID); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		j.log.Warn("Journal: clearing %s: %v", msgID, err)
	}
}

// Unfinished lists msg ids whose work started but whose reply was never recorded, as
// left behind by a crash.
func (j *Journal) Unfinished() []string {
	if j == nil {
		return nil
	}
	keys, err := j.store.Keys(storage.KeyPrefixPending)
	if err != nil {
		j.log.Warn("Journal: listing unfinished requests: %v", err)
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, storage.KeyPrefixPending))
	}
	return ids
}

func (j *Journal) put(key string, rec journalRecord, ttl time.Duration) error {
	rec.Timestamp = j.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.store.SetWithTTL(key, data, ttl)
}
