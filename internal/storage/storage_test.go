package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caracaldb/internal/key"
	"caracaldb/internal/rangequery"
)

func k(s string) key.Key { return key.FromString(s) }

func stores(t *testing.T) map[string]Store {
	t.Helper()
	p, err := OpenPebble("", PebbleOptions{InMemory: true, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"pebble": p,
	}
}

func TestStore_GetPut(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(k("missing"))
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, s.Put(k("a"), []byte("1"), 3))
			v, err := s.Get(k("a"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v)

			require.NoError(t, s.Put(k("a"), []byte("2"), 4))
			v, err = s.Get(k("a"))
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), v)

			assert.ErrorIs(t, s.Put(key.Inf, nil, 1), ErrInfKey)
		})
	}
}

func TestStore_BatchCommitAndVersions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(k("old"), []byte("x"), 2))
			require.NoError(t, s.Put(k("new"), []byte("y"), 9))
			require.NoError(t, s.Put(k("gone"), []byte("z"), 1))

			b := s.NewBatch()
			defer b.Close()
			require.NoError(t, b.Put(k("b1"), []byte("v1"), 5))
			require.NoError(t, b.DeleteVersions(k("old"), 5))
			require.NoError(t, b.DeleteVersions(k("new"), 5))
			require.NoError(t, b.Delete(k("gone")))
			require.NoError(t, b.PutMeta("position", []byte("5")))

			_, err := s.Get(k("b1"))
			assert.ErrorIs(t, err, ErrNotFound, "batch visible before commit")

			require.NoError(t, b.Commit())

			v, err := s.Get(k("b1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)

			_, err = s.Get(k("old"))
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(k("gone"))
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(k("new"))
			assert.NoError(t, err)

			meta, err := s.GetMeta("position")
			require.NoError(t, err)
			assert.Equal(t, []byte("5"), meta)
		})
	}
}

func TestStore_ClosedBatchRejectsWrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			b := s.NewBatch()
			require.NoError(t, b.Put(k("a"), []byte("1"), 1))
			require.NoError(t, b.Close())
			assert.ErrorIs(t, b.Put(k("b"), nil, 1), ErrClosed)
			assert.NoError(t, b.Close())

			_, err := s.Get(k("a"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_IteratorOrderAndMetaIsolation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, kk := range []string{"c", "a", "b", "ab"} {
				require.NoError(t, s.Put(k(kk), []byte(kk), uint64(i)))
			}
			b := s.NewBatch()
			require.NoError(t, b.PutMeta("zzz", []byte("meta")))
			require.NoError(t, b.Commit())
			require.NoError(t, b.Close())

			it, err := s.NewIterator(k("ab"))
			require.NoError(t, err)
			defer it.Close()

			var got []string
			for ; it.Valid(); it.Next() {
				got = append(got, it.Key().String())
			}
			assert.Equal(t, []string{"ab", "b", "c"}, got)
		})
	}
}

func TestReadRange_LimitAndTransform(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				require.NoError(t, s.Put(k(fmt.Sprintf("k%d", i)), []byte("value"), 1))
			}
			r := key.ClosedOpen(k("k2"), k("k8"))

			full, err := ReadRange(s, r, rangequery.Limit{}, rangequery.TransformNone)
			require.NoError(t, err)
			assert.Len(t, full.Items, 6)
			assert.False(t, full.LimitReached)
			assert.True(t, full.Range.Equal(r))

			limited, err := ReadRange(s, r, rangequery.Limit{Items: 2}, rangequery.TransformKeysOnly)
			require.NoError(t, err)
			require.Len(t, limited.Items, 2)
			assert.True(t, limited.LimitReached)
			assert.True(t, limited.Range.Equal(key.ClosedClosed(k("k2"), k("k3"))))
			assert.Nil(t, limited.Items[0].Value)

			keys, size, err := Stats(s, r)
			require.NoError(t, err)
			assert.Equal(t, 6, keys)
			assert.Equal(t, 6*(2+5), size)
		})
	}
}

func TestMemoryStore_IteratorReadsPageByPage(t *testing.T) {
	s := NewMemoryStore()
	n := 3*memIteratorPage + 5
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(k(fmt.Sprintf("k%04d", i)), []byte("v"), 1))
	}

	it, err := s.NewIterator(k("k0010"))
	require.NoError(t, err)
	defer it.Close()
	assert.Len(t, it.(*memIterator).items, memIteratorPage, "only one page is copied up front")

	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, it.Key().String())
	}
	require.Len(t, got, n-10)
	assert.Equal(t, "k0010", got[0])
	assert.Equal(t, fmt.Sprintf("k%04d", n-1), got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "page boundaries neither repeat nor skip keys")
	}

	// a transfer-sized read stops after its limit without walking the tree
	resp, err := ReadRange(s, key.All, rangequery.Limit{Items: 2}, rangequery.TransformNone)
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)
	assert.True(t, resp.LimitReached)
}
