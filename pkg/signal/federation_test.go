package signal

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitDecisions(t *testing.T) {
	tests := []struct {
		name      string
		cfg       FederationConfig
		occupancy int
		decision  Decision
		dest      string
	}{
		{
			name:      "below limit admits",
			cfg:       FederationConfig{Limit: 3, NextURL: "https://next"},
			occupancy: 2,
			decision:  AdmitLocal,
		},
		{
			name:      "at limit redirects",
			cfg:       FederationConfig{Limit: 3, NextURL: "https://next"},
			occupancy: 3,
			decision:  RedirectNext,
			dest:      "https://next",
		},
		{
			name:      "last instance rejects",
			cfg:       FederationConfig{Limit: 3, NextURL: "https://next", Last: true},
			occupancy: 3,
			decision:  RejectFull,
		},
		{
			name:      "no next url rejects",
			cfg:       FederationConfig{Limit: 3},
			occupancy: 4,
			decision:  RejectFull,
		},
		{
			name:      "zero limit disables the gate",
			cfg:       FederationConfig{},
			occupancy: 100,
			decision:  AdmitLocal,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d, dest := newFederation(tt.cfg).admit(tt.occupancy)
			assert.Equal(t, tt.decision, d)
			assert.Equal(t, tt.dest, dest)
		})
	}
}

func TestCapacityRedirectOnJoin(t *testing.T) {
	co, _ := newTestCoordinator(Config{
		Federation: FederationConfig{Limit: 3, NextURL: "https://next:5000"},
	})

	for i := 0; i < 3; i++ {
		joinedPeer(t, co, "alpha", true)
	}

	p := NewPeer(co, true)
	_, err := p.Join(context.Background(), "alpha", PeerInfo{ProducesHere: true})
	require.Error(t, err)
	capErr, ok := err.(*CapacityError)
	require.True(t, ok)
	assert.Equal(t, "alpha", capErr.Room)
	assert.Equal(t, "https://next:5000", capErr.Redirect)

	// A room below the limit still admits.
	q := NewPeer(co, true)
	_, err = q.Join(context.Background(), "beta", PeerInfo{ProducesHere: true})
	assert.NoError(t, err)
}

func TestCapacityGateUnderConcurrentJoins(t *testing.T) {
	co, _ := newTestCoordinator(Config{
		Federation: FederationConfig{Limit: 3, NextURL: "https://next:5000"},
	})

	const n = 10
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := NewPeer(co, true)
			_, err := p.Join(context.Background(), "alpha", PeerInfo{ProducesHere: true})
			results[i] = err
		}(i)
	}
	wg.Wait()

	// Exactly limit peers get in, no matter how the joins interleave.
	admitted := 0
	for _, err := range results {
		if err == nil {
			admitted++
		} else {
			assert.IsType(t, &CapacityError{}, err)
		}
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 3, co.rooms["alpha"].MemberCount())
}

func TestMeshCountsOnlyProducingPeers(t *testing.T) {
	siblings := []Sibling{
		{Namespace: "/SFU_1", URL: "https://a"},
		{Namespace: "/SFU_2", URL: "https://b"},
	}
	co, _ := newTestCoordinator(Config{
		Namespace: "/SFU_1",
		Federation: FederationConfig{
			Limit:    2,
			NextURL:  "https://b",
			Siblings: siblings,
		},
	})

	// Two producers fill the room; mirrors do not count and are always
	// admitted.
	joinedPeer(t, co, "alpha", true)
	joinedPeer(t, co, "alpha", false)
	joinedPeer(t, co, "alpha", false)
	joinedPeer(t, co, "alpha", true)

	d, dest := co.Admit("alpha")
	assert.Equal(t, RedirectNext, d)
	assert.Equal(t, "https://b", dest)

	mirror := NewPeer(co, false)
	_, err := mirror.Join(context.Background(), "alpha", PeerInfo{ProducesHere: false})
	assert.NoError(t, err)

	producer := NewPeer(co, true)
	_, err = producer.Join(context.Background(), "alpha", PeerInfo{ProducesHere: true})
	assert.IsType(t, &CapacityError{}, err)
}

func TestSiblingsRoster(t *testing.T) {
	siblings := []Sibling{
		{Namespace: "/SFU_1", URL: "https://a"},
		{Namespace: "/SFU_2", URL: "https://b"},
	}
	co, _ := newTestCoordinator(Config{
		Namespace:  "/SFU_1",
		Federation: FederationConfig{Limit: 3, Siblings: siblings},
	})
	p, _ := joinedPeer(t, co, "alpha", true)

	_, err := p.CreateTransport(context.Background(), false)
	require.NoError(t, err)
	got, err := p.ConnectSendTransport(context.Background(), testDTLS)
	require.NoError(t, err)
	assert.Equal(t, siblings, got)
}

func TestLocalNamespace(t *testing.T) {
	co, _ := newTestCoordinator(Config{Namespace: "/SFU_1"})
	assert.True(t, co.LocalNamespace("/SFU_1"))
	assert.True(t, co.LocalNamespace(""))
	assert.False(t, co.LocalNamespace("/SFU_2"))
}
