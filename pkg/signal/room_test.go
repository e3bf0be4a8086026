package signal

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomMembershipAccounting(t *testing.T) {
	co, _ := newTestCoordinator(Config{})

	const n = 5
	peers := make([]*Peer, 0, n)
	for i := 0; i < n; i++ {
		p, _ := joinedPeer(t, co, "alpha", true)
		peers = append(peers, p)
	}

	room := co.rooms["alpha"]
	require.NotNil(t, room)
	routerID := room.Router().ID()
	assert.Equal(t, n, room.MemberCount())

	// Disconnecting some members shrinks the set; the router handle is
	// unchanged for the survivors.
	peers[0].Close()
	peers[1].Close()
	assert.Equal(t, n-2, room.MemberCount())
	assert.Equal(t, routerID, room.Router().ID())
}

func TestConcurrentJoinsShareOneRouter(t *testing.T) {
	co, _ := newTestCoordinator(Config{})

	const n = 16
	var wg sync.WaitGroup
	routerIDs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := NewPeer(co, true)
			_, err := p.Join(context.Background(), "alpha", PeerInfo{})
			assert.NoError(t, err)
			p.mu.Lock()
			routerIDs[i] = p.room.Router().ID()
			p.mu.Unlock()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, routerIDs[0], routerIDs[i])
	}
	assert.Equal(t, n, co.rooms["alpha"].MemberCount())
}

func TestUnrelatedRoomsGetOwnRouters(t *testing.T) {
	co, _ := newTestCoordinator(Config{})

	for i := 0; i < 3; i++ {
		joinedPeer(t, co, fmt.Sprintf("room-%d", i), true)
	}
	seen := map[string]bool{}
	co.mu.RLock()
	for _, r := range co.rooms {
		seen[r.Router().ID()] = true
	}
	co.mu.RUnlock()
	assert.Len(t, seen, 3)
}

func TestEmptyRoomIsReaped(t *testing.T) {
	co, _ := newTestCoordinator(Config{})
	p, _ := joinedPeer(t, co, "alpha", true)
	q, _ := joinedPeer(t, co, "alpha", true)

	p.Close()
	co.mu.RLock()
	_, ok := co.rooms["alpha"]
	co.mu.RUnlock()
	assert.True(t, ok)

	q.Close()
	co.mu.RLock()
	_, ok = co.rooms["alpha"]
	co.mu.RUnlock()
	assert.False(t, ok, "room should be reaped once empty")

	// A fresh join recreates the room with a new router.
	r, _ := joinedPeer(t, co, "alpha", true)
	co.mu.RLock()
	assert.NotNil(t, co.rooms["alpha"])
	co.mu.RUnlock()
	r.Close()
}
