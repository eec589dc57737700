package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/reviewroom/internal/auth"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	r.Add("AB12CD", "conn-b", auth.Identity{UserID: 2, Username: "bob"}, nil)
	r.Add("AB12CD", "conn-a", auth.Identity{UserID: 1, Username: "alice"}, nil)
	r.Add("ZZ99ZZ", "conn-c", auth.Identity{UserID: 1, Username: "alice"}, nil)

	assert.Equal(t, []string{"conn-a", "conn-b"}, r.ListLocal("AB12CD"))
	assert.Equal(t, 2, r.Count("AB12CD"))
	assert.True(t, r.HasUser("AB12CD", 2))
	assert.False(t, r.HasUser("ZZ99ZZ", 2))
	assert.Equal(t, Stats{Rooms: 2, Connections: 3}, r.Stats())
	assert.Equal(t, map[string]int{"AB12CD": 2, "ZZ99ZZ": 1}, r.ActiveRooms())

	entry, ok := r.Remove("AB12CD", "conn-b")
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.Identity.UserID)
	assert.Equal(t, "AB12CD", entry.Room)
	assert.False(t, r.HasUser("AB12CD", 2))
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add("AB12CD", "conn-a", auth.Identity{UserID: 1}, nil)

	_, ok := r.Remove("AB12CD", "conn-a")
	assert.True(t, ok)

	_, ok = r.Remove("AB12CD", "conn-a")
	assert.False(t, ok)
	_, ok = r.Remove("NOPE00", "conn-a")
	assert.False(t, ok)
}

func TestRegistryPrunesEmptyRooms(t *testing.T) {
	r := NewRegistry()
	r.Add("AB12CD", "conn-a", auth.Identity{UserID: 1}, nil)
	r.Remove("AB12CD", "conn-a")

	assert.Empty(t, r.rooms)
	assert.Empty(t, r.ListLocal("AB12CD"))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistryConcurrency(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			r.Add("room", id, auth.Identity{UserID: int64(i)}, nil)
			r.ListLocal("room")
			if i%2 == 0 {
				r.Remove("room", id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Count("room"))
	assert.Len(t, r.Entries(), 50)
}
