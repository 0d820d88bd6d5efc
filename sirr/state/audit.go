package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/secretdrop/sirr/sirr/structs"
)

// AppendAudit appends an event to the audit log in its own transaction.
// Callers swallow the error after logging it: audit must never block the
// data path.
func (s *StateStore) AppendAudit(event *structs.AuditEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = s.clock()
	}
	data, err := encode(event)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		audit := tx.Bucket(auditBucketName)
		seq, err := audit.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate audit sequence: %v", err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return audit.Put(key[:], data)
	})
}

// ListAudit enumerates events in insertion order (oldest first), applying
// the query filters and limit. When RedactKeys is set, key names are
// replaced on read with a short SHA-256 digest; stored events are never
// modified, so toggling the flag affects all future queries over historical
// events.
func (s *StateStore) ListAudit(q *structs.AuditQuery) ([]*structs.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = structs.AuditDefaultLimit
	}
	if limit > structs.AuditMaxLimit {
		limit = structs.AuditMaxLimit
	}

	var events []*structs.AuditEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(auditBucketName).Cursor()
		for k, v := c.First(); k != nil && len(events) < limit; k, v = c.Next() {
			event := &structs.AuditEvent{}
			if err := decode(v, event); err != nil {
				return fmt.Errorf("corrupt audit event %x: %v", k, err)
			}
			if q.Since != nil && event.Timestamp < *q.Since {
				continue
			}
			if q.Until != nil && event.Timestamp > *q.Until {
				continue
			}
			if q.Action != "" && event.Action != q.Action {
				continue
			}
			if q.RedactKeys && event.Key != "" {
				event.Key = redactKey(event.Key)
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// redactKey replaces a key name with "sha256:" plus the first 8 hex
// characters of its SHA-256 digest.
func redactKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])[:8]
}
