// Package collection implements the L5 Document Collection of spec.md
// §4.7: the record-level API composing the slotted page layer (§4.4) and
// the B+Tree primary index (§4.6). Grounded on the teacher's pkg/core
// (VittoriaDB's document/collection abstraction), generalized from the
// teacher's single-purpose vector-document store to spec.md's general
// BSON document collection with typed primary keys and secondary
// indexes.
package collection

import (
	"fmt"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/dberr"
)

// EncodeKey maps a typed primary-key value to its IndexKey encoding,
// per spec.md §4.7's "primary key mapped to IndexKey via a codec". The
// supported Go types cover the key-carrying types spec.md §3 names:
// integer, long, string, byte array, boolean.
func EncodeKey(v interface{}) (btree.IndexKey, error) {
	switch val := v.(type) {
	case int:
		return btree.EncodeInt64(int64(val)), nil
	case int32:
		return btree.EncodeInt64(int64(val)), nil
	case int64:
		return btree.EncodeInt64(val), nil
	case string:
		return btree.EncodeString(val), nil
	case []byte:
		k := btree.EncodeBytes(val)
		if btree.Compare(k, btree.MaxKey) >= 0 {
			return nil, dberr.Wrap(dberr.ErrInvariant, "byte primary key collides with the MaxKey sentinel")
		}
		return k, nil
	case bool:
		return btree.EncodeBool(val), nil
	default:
		return nil, dberr.Wrap(dberr.ErrInvariant, "unsupported primary key type %T", v)
	}
}

// keyString renders a primary key for log messages and error text.
func keyString(v interface{}) string { return fmt.Sprintf("%v", v) }
