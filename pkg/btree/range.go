package btree

import (
	"bytes"
)

// Direction controls which way a range scan walks the leaf chain.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Range descends to the leaf containing minKey (Forward) or maxKey
// (Backward) and walks the leaf chain, emitting entries within
// [minKey, maxKey] until the bound is exceeded (spec.md §4.6). Bounds
// use MinKey/MaxKey sentinels for open-ended scans.
func (t *BTree) Range(minKey, maxKey IndexKey, direction Direction, txID uint64) ([]IndexEntry, error) {
	var out []IndexEntry
	c := NewCursor(t, txID)

	if direction == Forward {
		if Compare(minKey, MinKey) == 0 {
			if err := c.MoveToFirst(); err != nil {
				return nil, err
			}
		} else if _, err := c.Seek(minKey); err != nil {
			return nil, err
		}
		for c.valid {
			e, err := c.Current()
			if err != nil {
				return nil, err
			}
			if maxKey != nil && Compare(e.Key, maxKey) > 0 {
				break
			}
			out = append(out, e)
			if ok, err := c.MoveNext(); err != nil {
				return nil, err
			} else if !ok {
				break
			}
		}
		return out, nil
	}

	if Compare(maxKey, MaxKey) == 0 {
		if err := c.MoveToLast(); err != nil {
			return nil, err
		}
	} else {
		hit, err := c.Seek(maxKey)
		if err != nil {
			return nil, err
		}
		if !hit {
			if !c.valid {
				if err := c.MoveToLast(); err != nil {
					return nil, err
				}
			} else if _, err := c.MovePrev(); err != nil {
				return nil, err
			}
		}
	}
	for c.valid {
		e, err := c.Current()
		if err != nil {
			return nil, err
		}
		if Compare(e.Key, minKey) < 0 {
			break
		}
		out = append(out, e)
		if ok, err := c.MovePrev(); err != nil {
			return nil, err
		} else if !ok {
			break
		}
	}
	return out, nil
}

// GreaterThan returns entries with key > bound (exclusive).
func (t *BTree) GreaterThan(bound IndexKey, txID uint64) ([]IndexEntry, error) {
	all, err := t.Range(bound, MaxKey, Forward, txID)
	if err != nil {
		return nil, err
	}
	return filterEntries(all, func(e IndexEntry) bool { return Compare(e.Key, bound) > 0 }), nil
}

// LessThan returns entries with key < bound (exclusive).
func (t *BTree) LessThan(bound IndexKey, txID uint64) ([]IndexEntry, error) {
	all, err := t.Range(MinKey, bound, Forward, txID)
	if err != nil {
		return nil, err
	}
	return filterEntries(all, func(e IndexEntry) bool { return Compare(e.Key, bound) < 0 }), nil
}

// Between returns entries with lo ≤ key ≤ hi.
func (t *BTree) Between(lo, hi IndexKey, txID uint64) ([]IndexEntry, error) {
	return t.Range(lo, hi, Forward, txID)
}

// StartsWith returns entries whose key begins with prefix, computed as a
// Range bounded by prefix and "prefix with its last byte incremented"
// (the standard prefix-scan upper bound), with a final exact-prefix
// filter for the boundary case.
func (t *BTree) StartsWith(prefix IndexKey, txID uint64) ([]IndexEntry, error) {
	upper := prefixUpperBound(prefix)
	var all []IndexEntry
	var err error
	if upper == nil {
		all, err = t.Range(prefix, MaxKey, Forward, txID)
	} else {
		all, err = t.Range(prefix, upper, Forward, txID)
	}
	if err != nil {
		return nil, err
	}
	return filterEntries(all, func(e IndexEntry) bool { return bytes.HasPrefix([]byte(e.Key), []byte(prefix)) }), nil
}

// In returns entries whose key matches any of values, implemented as a
// point Between scan per value, concatenated in the order of values (spec.md §4.6
// says wrapper functions all reduce to range plus per-entry filtering).
func (t *BTree) In(values []IndexKey, txID uint64) ([]IndexEntry, error) {
	var out []IndexEntry
	for _, v := range values {
		entries, err := t.Between(v, v, txID)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Like performs a full-range scan filtered by a simple SQL-style pattern
// supporting '%' (any run of characters) and '_' (any single character), applied
// to keys decoded as UTF-8 strings.
func (t *BTree) Like(pattern string, txID uint64) ([]IndexEntry, error) {
	all, err := t.Range(MinKey, MaxKey, Forward, txID)
	if err != nil {
		return nil, err
	}
	return filterEntries(all, func(e IndexEntry) bool { return likeMatch(DecodeString(e.Key), pattern) }), nil
}

func filterEntries(entries []IndexEntry, keep func(IndexEntry) bool) []IndexEntry {
	out := entries[:0]
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// prefixUpperBound returns the smallest key greater than every key
// starting with prefix, or nil if prefix is all 0xFF bytes (use MaxKey).
func prefixUpperBound(prefix IndexKey) IndexKey {
	out := make(IndexKey, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func likeMatch(s, pattern string) bool {
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatchRunes(s, p[1:]) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if likeMatchRunes(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}
