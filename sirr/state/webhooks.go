package state

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/secretdrop/sirr/sirr/structs"
)

// PutWebhook inserts or overwrites a registration. New registrations beyond
// structs.MaxWebhooks are refused.
func (s *StateStore) PutWebhook(reg *structs.WebhookRegistration) error {
	data, err := encode(reg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		webhooks := tx.Bucket(webhooksBucketName)
		if webhooks.Get([]byte(reg.ID)) == nil && webhooks.Stats().KeyN >= structs.MaxWebhooks {
			return structs.ErrWebhookLimit
		}
		return webhooks.Put([]byte(reg.ID), data)
	})
}

// ListWebhooks returns every registration.
func (s *StateStore) ListWebhooks() ([]*structs.WebhookRegistration, error) {
	var regs []*structs.WebhookRegistration
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(webhooksBucketName).ForEach(func(k, v []byte) error {
			reg := &structs.WebhookRegistration{}
			if err := decode(v, reg); err != nil {
				return fmt.Errorf("corrupt webhook registration %q: %v", k, err)
			}
			regs = append(regs, reg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// DeleteWebhook removes a registration by ID and reports whether it existed.
func (s *StateStore) DeleteWebhook(id string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		webhooks := tx.Bucket(webhooksBucketName)
		existed = webhooks.Get([]byte(id)) != nil
		return webhooks.Delete([]byte(id))
	})
	return existed, err
}

// CountWebhooks returns the number of registrations.
func (s *StateStore) CountWebhooks() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(webhooksBucketName).Stats().KeyN
		return nil
	})
	return n, err
}
