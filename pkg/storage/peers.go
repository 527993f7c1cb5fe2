package storage

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"tezfed/pkg/types"
)

func peerKey(host string) string       { return "peer/" + host }
func peerNodeKey(nodeID string) string { return "peernode/" + nodeID }

func (s *Store) GetPeer(host string) (*types.Peer, error) {
	var p types.Peer
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, peerKey(host), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPeerByNodeID resolves a signer key ID to its peer row.
func (s *Store) GetPeerByNodeID(nodeID string) (*types.Peer, error) {
	var p types.Peer
	err := s.db.View(func(txn *badger.Txn) error {
		var host string
		if err := getJSON(txn, peerNodeKey(nodeID), &host); err != nil {
			return err
		}
		return getJSON(txn, peerKey(host), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPeers returns every peer ordered by host.
func (s *Store) ListPeers() ([]*types.Peer, error) {
	var peers []*types.Peer
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "peer/", func(p types.Peer) error {
			peers = append(peers, &p)
			return nil
		})
	})
	return peers, err
}

// UpsertPeer atomically loads the peer for host (nil if absent), applies fn,
// and writes the result together with its node ID index.
func (s *Store) UpsertPeer(host string, fn func(existing *types.Peer) (*types.Peer, error)) (*types.Peer, error) {
	var out *types.Peer
	err := s.update(func(txn *badger.Txn) error {
		var current *types.Peer
		var p types.Peer
		switch err := getJSON(txn, peerKey(host), &p); {
		case err == nil:
			current = &p
		case !errors.Is(err, ErrNotFound):
			return err
		}

		var oldNodeID string
		if current != nil {
			oldNodeID = current.NodeID
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		next.Host = host

		if oldNodeID != "" && oldNodeID != next.NodeID {
			if err := txn.Delete([]byte(peerNodeKey(oldNodeID))); err != nil {
				return err
			}
		}
		if err := putJSON(txn, peerKey(host), next); err != nil {
			return err
		}
		if err := putJSON(txn, peerNodeKey(next.NodeID), host); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Store) DeletePeer(host string) error {
	return s.update(func(txn *badger.Txn) error {
		var p types.Peer
		if err := getJSON(txn, peerKey(host), &p); err != nil {
			return err
		}
		if err := txn.Delete([]byte(peerNodeKey(p.NodeID))); err != nil {
			return err
		}
		return txn.Delete([]byte(peerKey(host)))
	})
}

// TouchPeer stamps LastSeenAt on an existing peer.
func (s *Store) TouchPeer(host string, seen time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		return touchPeer(txn, host, seen)
	})
}

func touchPeer(txn *badger.Txn, host string, seen time.Time) error {
	var p types.Peer
	if err := getJSON(txn, peerKey(host), &p); err != nil {
		return err
	}
	p.LastSeenAt = seen
	return putJSON(txn, peerKey(host), &p)
}
