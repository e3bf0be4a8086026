package signal

import (
	"context"
	"sync"

	"github.com/confmesh/signal/pkg/engine"
	"github.com/confmesh/signal/pkg/log"
	"github.com/confmesh/signal/pkg/stats"
)

// Room binds a case-normalized name to one routing context shared by
// every member. The router is created lazily on the first join and torn
// down when the last member leaves.
type Room struct {
	name string
	co   *Coordinator

	mu      sync.RWMutex
	closed  bool
	router  engine.Router
	members map[string]*Peer
}

// getOrCreateRoom returns the room's router and adds the joining peer to
// its member set. Creation is serialized per room: two peers joining the
// same name concurrently share a single router, while unrelated rooms
// never contend. The capacity check for producing peers happens under
// the same lock as the insert, so racing joins can never both slip past
// the limit.
func (c *Coordinator) getOrCreateRoom(ctx context.Context, name string, p *Peer, producing bool) (*Room, error) {
	for {
		c.mu.Lock()
		r, ok := c.rooms[name]
		if !ok {
			r = &Room{
				name:    name,
				co:      c,
				members: make(map[string]*Peer),
			}
			c.rooms[name] = r
		}
		c.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			// Reaped between lookup and lock. Go again.
			r.mu.Unlock()
			continue
		}
		if producing {
			occupancy := 0
			if c.fed.mesh() {
				for _, m := range r.members {
					if m.producesHere() {
						occupancy++
					}
				}
			} else {
				occupancy = len(r.members)
			}
			if decision, dest := c.fed.admit(occupancy); decision != AdmitLocal {
				r.mu.Unlock()
				c.dropIfEmpty(r)
				return nil, &CapacityError{Room: name, Redirect: dest}
			}
		}
		if r.router == nil {
			router, err := c.engine.CreateRouter(ctx, c.codecs)
			if err != nil {
				r.mu.Unlock()
				c.dropIfEmpty(r)
				return nil, err
			}
			r.router = router
			stats.Rooms.Inc()
			log.Infof("room %s created, router %s", name, router.ID())
		}
		r.members[p.id] = p
		r.mu.Unlock()
		return r, nil
	}
}

// dropIfEmpty removes a room entry that never got a router.
func (c *Coordinator) dropIfEmpty(r *Room) {
	r.mu.Lock()
	empty := r.router == nil && len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()
	if !empty {
		return
	}
	c.mu.Lock()
	if c.rooms[r.name] == r {
		delete(c.rooms, r.name)
	}
	c.mu.Unlock()
}

// removeMember drops a connection from the member set. When the set
// empties the router is closed and the room deleted, so engine
// resources never outlive the room.
func (r *Room) removeMember(connID string) {
	r.mu.Lock()
	delete(r.members, connID)
	var router engine.Router
	if len(r.members) == 0 && !r.closed {
		r.closed = true
		router = r.router
		r.router = nil
	}
	r.mu.Unlock()

	if router == nil {
		return
	}
	r.co.mu.Lock()
	if r.co.rooms[r.name] == r {
		delete(r.co.rooms, r.name)
	}
	r.co.mu.Unlock()

	if err := router.Close(); err != nil {
		log.Warnf("closing router for room %s: %v", r.name, err)
	}
	stats.Rooms.Dec()
	log.Infof("room %s is empty, router closed", r.name)
}

// Router returns the room's routing context.
func (r *Room) Router() engine.Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

// MemberCount is the number of live connections in the room.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// producingCount counts members producing through this instance. The
// capacity gate uses it in the mesh topology, where every participant
// mirrors into every instance but produces on exactly one.
func (r *Room) producingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.members {
		if p.producesHere() {
			n++
		}
	}
	return n
}

// notify fans a server-push event out to every member but the origin.
// Events are submitted to a single ordered worker, so a notification is
// only ever observed after the state change that caused it.
func (r *Room) notify(except, method string, payload interface{}) {
	r.mu.RLock()
	targets := make([]*Peer, 0, len(r.members))
	for id, p := range r.members {
		if id != except {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	r.co.fanout.Submit(func() {
		for _, p := range targets {
			p.notify(method, payload)
		}
	})
}
