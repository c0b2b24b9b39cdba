package model

// Merge combines a previously recorded measurement set with freshly queried
// measurements. An incoming measurement replaces the existing entry with the
// same identity key in place (incoming wins); otherwise it is appended.
// Existing entries that are not superseded are kept in their original order.
//
// The result never holds two measurements with the same identity key, even
// when existing or incoming contain duplicates themselves: later entries win.
// Merge does not modify its arguments.
func Merge(existing, incoming []Measurement) []Measurement {
	out := make([]Measurement, 0, len(existing)+len(incoming))
	idx := make(map[IdentityKey]int, len(existing)+len(incoming))

	put := func(m Measurement) {
		k := m.Key()
		if i, ok := idx[k]; ok {
			out[i] = m
			return
		}
		idx[k] = len(out)
		out = append(out, m)
	}

	for _, m := range existing {
		put(m)
	}
	for _, m := range incoming {
		put(m)
	}
	return out
}
