package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"tezfed/pkg/types"
)

func userKey(handle string) string            { return "user/" + strings.ToLower(handle) }
func messageKey(id string) string             { return "msg/" + id }
func deliveryKey(msgID, userID string) string { return "delivery/" + msgID + "/" + userID }
func fedKey(id string) string                 { return "fed/" + id }
func inboundHashKey(hash string) string       { return "fedhash/in/" + hash }

// EnsureUser returns the user for u.Handle, creating it from u if absent.
func (s *Store) EnsureUser(u types.LocalUser) (*types.LocalUser, error) {
	var out types.LocalUser
	err := s.update(func(txn *badger.Txn) error {
		err := getJSON(txn, userKey(u.Handle), &out)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		out = u
		return putJSON(txn, userKey(u.Handle), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupUser resolves a local handle, case-insensitively.
func (s *Store) LookupUser(handle string) (*types.LocalUser, error) {
	var u types.LocalUser
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(handle), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers() ([]*types.LocalUser, error) {
	var users []*types.LocalUser
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "user/", func(u types.LocalUser) error {
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

func (s *Store) SaveMessage(m *types.Message) error {
	return s.update(func(txn *badger.Txn) error {
		return putJSON(txn, messageKey(m.ID), m)
	})
}

// SaveMessageWithDeliveries stores a locally submitted message together
// with the delivery rows for its local recipients.
func (s *Store) SaveMessageWithDeliveries(m *types.Message, deliveries []*types.Delivery) error {
	return s.update(func(txn *badger.Txn) error {
		if err := putJSON(txn, messageKey(m.ID), m); err != nil {
			return err
		}
		for _, d := range deliveries {
			if err := putJSON(txn, deliveryKey(d.MessageID, d.UserID), d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetMessage(id string) (*types.Message, error) {
	var m types.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListDeliveries returns the delivery rows for one message.
func (s *Store) ListDeliveries(msgID string) ([]*types.Delivery, error) {
	var out []*types.Delivery
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "delivery/"+msgID+"/", func(d types.Delivery) error {
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

// RecordFederated stores a provenance record. Inbound records go through
// AcceptInbound instead.
func (s *Store) RecordFederated(rec *types.FederatedMessageRecord) error {
	return s.update(func(txn *badger.Txn) error {
		return putJSON(txn, fedKey(rec.ID), rec)
	})
}

func (s *Store) ListFederated() ([]*types.FederatedMessageRecord, error) {
	var out []*types.FederatedMessageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "fed/", func(r types.FederatedMessageRecord) error {
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// HasInboundHash reports whether an inbound bundle with hash was accepted.
func (s *Store) HasInboundHash(hash string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = exists(txn, inboundHashKey(hash))
		return err
	})
	return found, err
}

// InboundDelivery is everything one accepted inbound bundle persists.
type InboundDelivery struct {
	Message    *types.Message
	Deliveries []*types.Delivery
	Record     *types.FederatedMessageRecord
	PeerHost   string
	SeenAt     time.Time
}

// AcceptInbound persists an inbound bundle in one transaction. The bundle
// hash index is read and written in the same transaction, so two concurrent
// accepts of the same hash cannot both commit: the loser retries on
// conflict and then observes the index, returning ErrDuplicate.
func (s *Store) AcceptInbound(in InboundDelivery) error {
	return s.update(func(txn *badger.Txn) error {
		hashKey := inboundHashKey(in.Record.BundleHash)
		dup, err := exists(txn, hashKey)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicate
		}

		if err := putJSON(txn, messageKey(in.Message.ID), in.Message); err != nil {
			return err
		}
		for _, d := range in.Deliveries {
			if err := putJSON(txn, deliveryKey(d.MessageID, d.UserID), d); err != nil {
				return err
			}
		}
		if err := putJSON(txn, fedKey(in.Record.ID), in.Record); err != nil {
			return err
		}
		if err := putJSON(txn, hashKey, in.Record.ID); err != nil {
			return err
		}
		if err := touchPeer(txn, in.PeerHost, in.SeenAt); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
}
