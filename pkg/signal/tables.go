package signal

import (
	"sync"

	"github.com/confmesh/signal/pkg/engine"
	"github.com/confmesh/signal/pkg/log"
	"github.com/confmesh/signal/pkg/stats"
)

// Ownership rows for every live engine object. Each row is tagged with
// the owning connection id and room so disconnect cleanup can sweep a
// whole connection in one pass.
type transportRow struct {
	owner     string
	room      string
	transport engine.Transport
	recvOnly  bool
}

type producerRow struct {
	owner       string
	room        string
	producer    engine.Producer
	transportID string
	// local marks producers served by this instance, as opposed to
	// mirrored peers producing elsewhere in the federation.
	local bool
}

type consumerRow struct {
	owner       string
	room        string
	consumer    engine.Consumer
	producerID  string
	transportID string
}

// tables index the rows by engine object id, keeping insert, remove and
// lookup O(1).
type tables struct {
	mu         sync.RWMutex
	transports map[string]*transportRow
	producers  map[string]*producerRow
	consumers  map[string]*consumerRow
}

func newTables() *tables {
	return &tables{
		transports: make(map[string]*transportRow),
		producers:  make(map[string]*producerRow),
		consumers:  make(map[string]*consumerRow),
	}
}

func (t *tables) addTransport(row *transportRow) {
	t.mu.Lock()
	t.transports[row.transport.ID()] = row
	t.mu.Unlock()
	stats.Transports.Inc()
}

func (t *tables) addProducer(row *producerRow) {
	t.mu.Lock()
	t.producers[row.producer.ID()] = row
	t.mu.Unlock()
	stats.Producers.Inc()
}

func (t *tables) addConsumer(row *consumerRow) {
	t.mu.Lock()
	t.consumers[row.consumer.ID()] = row
	t.mu.Unlock()
	stats.Consumers.Inc()
}

// recvTransport finds a receive-only transport by id and verifies it
// belongs to the given connection.
func (t *tables) recvTransport(owner, id string) (*transportRow, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.transports[id]
	if !ok || !row.recvOnly || row.owner != owner {
		return nil, ErrTransportNotFound
	}
	return row, nil
}

func (t *tables) consumer(owner, id string) (*consumerRow, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.consumers[id]
	if !ok || row.owner != owner {
		return nil, ErrConsumerNotFound
	}
	return row, nil
}

// producersExcept lists every producer in the room other than the
// caller's own. Answers "what can I consume".
func (t *tables) producersExcept(owner, room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, row := range t.producers {
		if row.owner != owner && row.room == room {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *tables) removeTransport(id string) *transportRow {
	t.mu.Lock()
	row, ok := t.transports[id]
	if ok {
		delete(t.transports, id)
	}
	t.mu.Unlock()
	if ok {
		stats.Transports.Dec()
	}
	return row
}

// removeForTransport sweeps the producer and consumer rows living on a
// transport. Callers close the returned rows; a producer close cascades
// into its paired consumers through the engine callbacks.
func (t *tables) removeForTransport(transportID string) (prods []*producerRow, cons []*consumerRow) {
	t.mu.Lock()
	for id, row := range t.consumers {
		if row.transportID == transportID {
			delete(t.consumers, id)
			cons = append(cons, row)
		}
	}
	for id, row := range t.producers {
		if row.transportID == transportID {
			delete(t.producers, id)
			prods = append(prods, row)
		}
	}
	t.mu.Unlock()

	stats.Consumers.Sub(float64(len(cons)))
	stats.Producers.Sub(float64(len(prods)))
	return prods, cons
}

func (t *tables) removeConsumer(id string) *consumerRow {
	t.mu.Lock()
	row, ok := t.consumers[id]
	if ok {
		delete(t.consumers, id)
	}
	t.mu.Unlock()
	if ok {
		stats.Consumers.Dec()
	}
	return row
}

// removeAllFor sweeps every row owned by a connection. Dependent rows
// go first (consumers, then producers, then transports) and each close
// is best effort: one failing engine object never aborts the rest.
func (t *tables) removeAllFor(owner string) {
	var (
		cons  []*consumerRow
		prods []*producerRow
		trans []*transportRow
	)
	t.mu.Lock()
	for id, row := range t.consumers {
		if row.owner == owner {
			delete(t.consumers, id)
			cons = append(cons, row)
		}
	}
	for id, row := range t.producers {
		if row.owner == owner {
			delete(t.producers, id)
			prods = append(prods, row)
		}
	}
	for id, row := range t.transports {
		if row.owner == owner {
			delete(t.transports, id)
			trans = append(trans, row)
		}
	}
	t.mu.Unlock()

	stats.Consumers.Sub(float64(len(cons)))
	stats.Producers.Sub(float64(len(prods)))
	stats.Transports.Sub(float64(len(trans)))

	for _, row := range cons {
		if err := row.consumer.Close(); err != nil {
			log.Warnf("closing consumer %s: %v", row.consumer.ID(), err)
		}
	}
	for _, row := range prods {
		if err := row.producer.Close(); err != nil {
			log.Warnf("closing producer %s: %v", row.producer.ID(), err)
		}
	}
	for _, row := range trans {
		if err := row.transport.Close(); err != nil {
			log.Warnf("closing transport %s: %v", row.transport.ID(), err)
		}
	}
}
