package storage

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"tezfed/pkg/types"
)

func outboxKey(id string) string { return "outbox/" + id }

// CreateOutboxEntries writes new entries in one transaction.
func (s *Store) CreateOutboxEntries(entries []*types.OutboxEntry) error {
	return s.update(func(txn *badger.Txn) error {
		for _, e := range entries {
			ok, err := exists(txn, outboxKey(e.ID))
			if err != nil {
				return err
			}
			if ok {
				return ErrDuplicate
			}
			if err := putJSON(txn, outboxKey(e.ID), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetOutboxEntry(id string) (*types.OutboxEntry, error) {
	var e types.OutboxEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, outboxKey(id), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateOutboxEntry applies fn to the stored entry atomically. fn may
// return an error to abort without writing.
func (s *Store) UpdateOutboxEntry(id string, fn func(e *types.OutboxEntry) error) (*types.OutboxEntry, error) {
	var out types.OutboxEntry
	err := s.update(func(txn *badger.Txn) error {
		var e types.OutboxEntry
		if err := getJSON(txn, outboxKey(id), &e); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		out = e
		return putJSON(txn, outboxKey(id), &e)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOutbox returns entries oldest first, filtered to the given statuses
// when any are passed.
func (s *Store) ListOutbox(statuses ...types.OutboxStatus) ([]*types.OutboxEntry, error) {
	want := make(map[types.OutboxStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var entries []*types.OutboxEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "outbox/", func(e types.OutboxEntry) error {
			if len(want) == 0 || want[e.Status] {
				entries = append(entries, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOutbox(entries)
	return entries, nil
}

// DueOutbox returns pending entries and failed entries whose retry time
// is at or before now.
func (s *Store) DueOutbox(now time.Time) ([]*types.OutboxEntry, error) {
	var entries []*types.OutboxEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "outbox/", func(e types.OutboxEntry) error {
			switch {
			case e.Status == types.OutboxPending:
			case e.Status == types.OutboxFailed && e.NextRetryAt != nil && !e.NextRetryAt.After(now):
			default:
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOutbox(entries)
	return entries, nil
}

func sortOutbox(entries []*types.OutboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
