package btree

// minIDBytes and maxIDBytes bound the primary-id suffix of a composite
// secondary-index key, per spec.md §4.6. 16 bytes covers the widest
// primary-key codec (a UUID) with room to spare for narrower keys,
// which are zero/0xFF-padded to this width when composited.
const compositeIDWidth = 16

var (
	minIDBytes = make([]byte, compositeIDWidth)
	maxIDBytes = func() []byte {
		b := make([]byte, compositeIDWidth)
		for i := range b {
			b[i] = 0xFF
		}
		return b
	}()
)

// EncodeCompositeKey builds a secondary-index key from a field value and
// the owning document's primary-key bytes: encode(f) || encode(id),
// preserving B+Tree key uniqueness while allowing duplicate field values
// at the logical level (spec.md §4.6).
func EncodeCompositeKey(fieldValue IndexKey, primaryID IndexKey) IndexKey {
	idPart := make([]byte, compositeIDWidth)
	copy(idPart, primaryID)
	out := make(IndexKey, 0, len(fieldValue)+compositeIDWidth)
	out = append(out, fieldValue...)
	out = append(out, idPart...)
	return out
}

// CompositePointBounds returns the [lo, hi] range that contains every
// composite key for field value v, regardless of primary id, per
// spec.md §4.6: "[encode(v) || MIN_ID_BYTES, encode(v) || MAX_ID_BYTES]".
func CompositePointBounds(fieldValue IndexKey) (lo, hi IndexKey) {
	lo = append(append(IndexKey{}, fieldValue...), minIDBytes...)
	hi = append(append(IndexKey{}, fieldValue...), maxIDBytes...)
	return lo, hi
}
