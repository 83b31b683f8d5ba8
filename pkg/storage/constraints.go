package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

// Unique constraints are enforced through entry keys of the form
// label/property/value -> owning node id. Claiming an entry reads the key
// inside the transaction, so two transactions racing for the same value
// conflict at commit instead of both succeeding.

func (s *Storage) loadConstraints() error {
	var found []UniqueConstraint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.keys.prefix(kindConstraint)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c UniqueConstraint
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			}); err != nil {
				return err
			}
			found = append(found, c)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to load constraints of %q", s.name)
	}
	s.constraintsMu.Lock()
	s.constraints = found
	s.constraintsMu.Unlock()
	return nil
}

// Constraints lists the unique constraints, sorted by label then property.
func (s *Storage) Constraints() []UniqueConstraint {
	s.constraintsMu.RLock()
	defer s.constraintsMu.RUnlock()
	out := append([]UniqueConstraint(nil), s.constraints...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Property < out[j].Property
	})
	return out
}

func (s *Storage) constraintsFor(labels []string) []UniqueConstraint {
	s.constraintsMu.RLock()
	defer s.constraintsMu.RUnlock()
	var out []UniqueConstraint
	for _, c := range s.constraints {
		for _, l := range labels {
			if strings.EqualFold(c.Label, l) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (s *Storage) hasConstraint(c UniqueConstraint) bool {
	for _, existing := range s.constraints {
		if strings.EqualFold(existing.Label, c.Label) && existing.Property == c.Property {
			return true
		}
	}
	return false
}

// CreateUniqueConstraint validates existing data and installs the
// constraint in its own transaction. It returns false when the constraint
// already exists.
func (s *Storage) CreateUniqueConstraint(label, property string) (bool, error) {
	c := UniqueConstraint{Label: label, Property: property}

	s.constraintsMu.Lock()
	defer s.constraintsMu.Unlock()
	if s.hasConstraint(c) {
		return false, nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var ids []uint64
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.keys.labelIndexPrefix(label)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, trailingID(it.Item().Key()))
		}
		it.Close()

		owners := make(map[string]uint64)
		for _, id := range ids {
			item, err := txn.Get(s.keys.nodeKey(NodeID(id)))
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			node, err := decodeNode(data)
			if err != nil {
				return err
			}
			v, ok := node.Properties[property]
			if !ok {
				continue
			}
			key, err := s.keys.uniqueEntryKey(c, v)
			if err != nil {
				return err
			}
			if other, dup := owners[string(key)]; dup {
				return &ConstraintViolationError{
					Type:       ConstraintUnique,
					Label:      label,
					Properties: []string{property},
					Message:    fmt.Sprintf("nodes %d and %d both have %s = %v", other, id, property, v),
				}
			}
			owners[string(key)] = id
			if err := txn.Set(key, binary.BigEndian.AppendUint64(nil, id)); err != nil {
				return err
			}
		}
		def, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set(s.keys.constraintKey(c), def)
	})
	if err != nil {
		return false, err
	}
	s.constraints = append(s.constraints, c)
	log.WithFields(log.Fields{"db": s.name, "constraint": c.String()}).Info("[Storage] unique constraint created")
	return true, nil
}

// DropUniqueConstraint removes the constraint and its entries. It returns
// false when no such constraint exists.
func (s *Storage) DropUniqueConstraint(label, property string) (bool, error) {
	c := UniqueConstraint{Label: label, Property: property}

	s.constraintsMu.Lock()
	defer s.constraintsMu.Unlock()
	if !s.hasConstraint(c) {
		return false, nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.keys.uniqueEntryPrefix(c)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(s.keys.constraintKey(c))
	})
	if err != nil {
		return false, err
	}
	kept := s.constraints[:0]
	for _, existing := range s.constraints {
		if !(strings.EqualFold(existing.Label, label) && existing.Property == property) {
			kept = append(kept, existing)
		}
	}
	s.constraints = kept
	log.WithFields(log.Fields{"db": s.name, "constraint": c.String()}).Info("[Storage] unique constraint dropped")
	return true, nil
}

func (c *Command) claimUnique(con UniqueConstraint, value any, owner NodeID) error {
	key, err := c.acc.storage.keys.uniqueEntryKey(con, value)
	if err != nil {
		return err
	}
	item, err := c.acc.txn.Get(key)
	switch {
	case err == nil:
		var existing uint64
		if err := item.Value(func(v []byte) error {
			existing = trailingID(v)
			return nil
		}); err != nil {
			return err
		}
		if NodeID(existing) != owner {
			return &ConstraintViolationError{
				Type:       ConstraintUnique,
				Label:      con.Label,
				Properties: []string{con.Property},
				Message:    fmt.Sprintf("node %d already has %s = %v", existing, con.Property, value),
			}
		}
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return c.put(key, binary.BigEndian.AppendUint64(nil, uint64(owner)))
	default:
		return err
	}
}

func (c *Command) releaseUnique(con UniqueConstraint, value any) error {
	key, err := c.acc.storage.keys.uniqueEntryKey(con, value)
	if err != nil {
		return err
	}
	return c.del(key)
}
