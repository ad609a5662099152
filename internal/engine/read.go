package engine

import (
	"fmt"

	"caracaldb/internal/key"
	"caracaldb/internal/oplog"
	"caracaldb/internal/rangequery"
	"caracaldb/internal/storage"
)

// readRangeOverlay reads r from s with the sorted puts of overlay applied on
// top, as if they had been written already.
func readRangeOverlay(s storage.Store, r key.KeyRange, overlay []oplog.Put, limit rangequery.Limit, t rangequery.Transform) (rangequery.Response, error) {
	resp := rangequery.Response{Range: r}
	if r.IsEmpty() {
		return resp, nil
	}

	it, err := s.NewIterator(r.Begin)
	if err != nil {
		return resp, fmt.Errorf("open iterator: %w", err)
	}
	defer it.Close()

	next := func() (rangequery.Item, bool) {
		for it.Valid() {
			k := it.Key()
			if r.Contains(k) {
				return rangequery.Item{Key: k, Value: it.Value()}, true
			}
			if k.Compare(r.End) >= 0 {
				return rangequery.Item{}, false
			}
			it.Next()
		}
		return rangequery.Item{}, false
	}

	tracker := limit.Tracker()
	var last key.Key
	i := 0
	for {
		stored, haveStored := next()
		haveOverlay := i < len(overlay)
		if !haveStored && !haveOverlay {
			break
		}

		var item rangequery.Item
		switch {
		case !haveOverlay:
			item = stored
			it.Next()
		case !haveStored:
			item = rangequery.Item{Key: overlay[i].Key, Value: overlay[i].Value}
			i++
		default:
			c := stored.Key.Compare(overlay[i].Key)
			if c < 0 {
				item = stored
				it.Next()
			} else {
				item = rangequery.Item{Key: overlay[i].Key, Value: overlay[i].Value}
				i++
				if c == 0 {
					it.Next()
				}
			}
		}

		if !tracker.Admit(item.Key.Len() + len(item.Value)) {
			resp.LimitReached = true
			resp.Range = key.NewRange(r.BeginBound, r.Begin, last, key.Closed)
			break
		}
		item.Value = t.Apply(item.Value)
		resp.Items = append(resp.Items, item)
		last = item.Key
	}
	return resp, nil
}
