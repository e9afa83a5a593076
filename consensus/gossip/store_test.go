package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreLastWriteWins(t *testing.T) {
	s := NewStore()
	base := time.Now()

	require.True(t, s.Apply(&Update{Key: "k", Value: []byte("v1"), Version: 2, Timestamp: base, Origin: "a"}))

	// An older timestamp loses regardless of version.
	require.False(t, s.Apply(&Update{Key: "k", Value: []byte("v0"), Version: 9, Timestamp: base.Add(-time.Second), Origin: "b"}))
	require.Equal(t, []byte("v1"), s.Get("k").Value)

	// Equal timestamps break the tie on version, strictly greater.
	require.False(t, s.Apply(&Update{Key: "k", Value: []byte("v1b"), Version: 2, Timestamp: base, Origin: "b"}))
	require.True(t, s.Apply(&Update{Key: "k", Value: []byte("v2"), Version: 3, Timestamp: base, Origin: "b"}))

	// A later timestamp wins.
	require.True(t, s.Apply(&Update{Key: "k", Value: []byte("v3"), Version: 1, Timestamp: base.Add(time.Second), Origin: "c"}))
	require.Equal(t, []byte("v3"), s.Get("k").Value)
}

func TestStoreCustomResolver(t *testing.T) {
	s := NewStore()
	s.SetResolver(func(stored, incoming *Update) *Update {
		// Keep whichever value is lexicographically larger.
		if string(incoming.Value) > string(stored.Value) {
			return incoming
		}
		return stored
	})
	base := time.Now()

	require.True(t, s.Apply(&Update{Key: "k", Value: []byte("mango"), Timestamp: base}))
	require.False(t, s.Apply(&Update{Key: "k", Value: []byte("apple"), Timestamp: base.Add(time.Hour)}))
	require.True(t, s.Apply(&Update{Key: "k", Value: []byte("zebra"), Timestamp: base.Add(-time.Hour)}))
	require.Equal(t, []byte("zebra"), s.Get("k").Value)
}

func TestStoreNewerThanClock(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Apply(&Update{Key: "k1", Version: 3, Timestamp: now, Origin: "a"})
	s.Apply(&Update{Key: "k2", Version: 1, Timestamp: now, Origin: "b"})

	missed := s.NewerThanClock(VectorClock{"a": 3})
	require.Len(t, missed, 1)
	require.Equal(t, "k2", missed[0].Key)

	require.Empty(t, s.NewerThanClock(VectorClock{"a": 3, "b": 1}))
	require.Len(t, s.NewerThanClock(VectorClock{}), 2)
}

func TestStoreTTLDecay(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Apply(&Update{Key: "k1", Timestamp: now, TTL: 2})
	s.Apply(&Update{Key: "k2", Timestamp: now, TTL: 0})

	require.Len(t, s.Live(), 1)

	s.DecayTTL()
	require.Len(t, s.Live(), 1)
	s.DecayTTL()
	require.Empty(t, s.Live())

	// TTL floors at zero.
	s.DecayTTL()
	require.Equal(t, 0, s.Get("k1").TTL)
	require.Equal(t, 2, s.Len())
}
