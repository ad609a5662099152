package storage

import (
	"fmt"

	"caracaldb/internal/key"
	"caracaldb/internal/rangequery"
)

// ReadRange reads the items of r in key order, stopping early when limit is
// hit. The returned Range is the part of r the items fully cover.
func ReadRange(s Store, r key.KeyRange, limit rangequery.Limit, t rangequery.Transform) (rangequery.Response, error) {
	resp := rangequery.Response{Range: r}
	if r.IsEmpty() {
		return resp, nil
	}

	it, err := s.NewIterator(r.Begin)
	if err != nil {
		return resp, fmt.Errorf("open iterator: %w", err)
	}
	defer it.Close()

	tracker := limit.Tracker()
	var last key.Key
	for ; it.Valid(); it.Next() {
		k := it.Key()
		if !r.Contains(k) {
			if k.Compare(r.End) >= 0 {
				break
			}
			continue
		}
		v := it.Value()
		if !tracker.Admit(k.Len() + len(v)) {
			resp.LimitReached = true
			resp.Range = key.NewRange(r.BeginBound, r.Begin, last, key.Closed)
			break
		}
		resp.Items = append(resp.Items, rangequery.Item{Key: k, Value: t.Apply(v)})
		last = k
	}
	return resp, nil
}

// Stats counts the keys and bytes stored in r.
func Stats(s Store, r key.KeyRange) (keys int, size int, err error) {
	it, err := s.NewIterator(r.Begin)
	if err != nil {
		return 0, 0, fmt.Errorf("open iterator: %w", err)
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		k := it.Key()
		if !r.Contains(k) {
			if k.Compare(r.End) >= 0 {
				break
			}
			continue
		}
		keys++
		size += k.Len() + len(it.Value())
	}
	return keys, size, nil
}
