// Package swarm runs the process-wide PeerManager: the registry of live
// connections, the two periodic rechoke selectors, HAVE broadcast, and the
// termination watch that raises shutdown once every known peer reports a
// complete bitfield.
package swarm

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/samwilton/pfsp/internal/bitfield"
	"github.com/samwilton/pfsp/internal/eventlog"
	"github.com/samwilton/pfsp/internal/syncmap"
)

// Config carries the two rechoke intervals and the preferred-set size, read
// from Common.cfg.
type Config struct {
	NumPreferredNeighbors int
	UnchokingInterval     time.Duration
	OptimisticInterval    time.Duration
}

// connHandler is the subset of *peer.ConnectionHandler the manager needs;
// narrowed to an interface so tests can supply fakes instead of real
// sockets.
type connHandler interface {
	PeerInterested() bool
	AmChoking() bool
	DownloadRate() float64
	SendChoke()
	SendUnchoke()
	SendHave(index int)
}

type connEntry struct {
	id      uint32
	handler connHandler
}

// Manager is the process-wide registry of live connections plus the
// tit-for-tat rechoke loops.
type Manager struct {
	cfg           Config
	log           *slog.Logger
	evlog         *eventlog.Log
	selfID        uint32
	localComplete func() bool

	mu         sync.Mutex
	conns      map[uint32]connEntry
	preferred  map[uint32]struct{}
	optimistic uint32 // meaningful only while hasOptimistic is true
	hasOptimistic bool

	seenBitfields *syncmap.Map[uint32, *bitfield.Bitfield]
	numPieces     int

	done chan struct{}
}

// New builds a Manager. selfBitfield seeds the termination-watch registry
// with the local peer's own view, per spec.md §4.5. localComplete reports
// whether the local store currently holds every piece — the spec's trigger
// (not a remote peer's completeness) for replacing the preferred-neighbor
// rate sort with uniform random selection.
func New(cfg Config, selfID uint32, numPieces int, selfBitfield *bitfield.Bitfield, evlog *eventlog.Log, log *slog.Logger, localComplete func() bool) *Manager {
	m := &Manager{
		cfg:           cfg,
		log:           log,
		evlog:         evlog,
		selfID:        selfID,
		localComplete: localComplete,
		conns:         make(map[uint32]connEntry),
		preferred:     make(map[uint32]struct{}),
		seenBitfields: syncmap.New[uint32, *bitfield.Bitfield](),
		numPieces:     numPieces,
		done:          make(chan struct{}),
	}
	m.seenBitfields.Put(selfID, selfBitfield.Clone())
	return m
}

// Done is closed once the termination watch detects every known peer holds
// a complete bitfield.
func (m *Manager) Done() <-chan struct{} { return m.done }

// AddConnection registers a live connection under remoteID.
func (m *Manager) AddConnection(remoteID uint32, h connHandler) {
	m.mu.Lock()
	m.conns[remoteID] = connEntry{id: remoteID, handler: h}
	m.mu.Unlock()
}

// RemoveConnection deregisters remoteID and scrubs it from both neighbor
// sets.
func (m *Manager) RemoveConnection(remoteID uint32) {
	m.mu.Lock()
	delete(m.conns, remoteID)
	delete(m.preferred, remoteID)
	if m.hasOptimistic && m.optimistic == remoteID {
		m.hasOptimistic = false
		m.optimistic = 0
	}
	m.mu.Unlock()
}

// BroadcastHave sends HAVE(index) to every live connection.
func (m *Manager) BroadcastHave(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.handler.SendHave(index)
	}
}

// UpdatePeerBitfield records the latest bitfield observed for remoteID —
// fed by BITFIELD receipts; HAVE receipts go through UpdatePeerHave — and
// re-evaluates termination.
func (m *Manager) UpdatePeerBitfield(remoteID uint32, bf *bitfield.Bitfield) {
	m.seenBitfields.Put(remoteID, bf)
	m.checkTermination()
}

// UpdatePeerHave flips a single bit in remoteID's tracked bitfield.
func (m *Manager) UpdatePeerHave(remoteID uint32, index int) {
	m.setSeenBit(remoteID, index)
}

// UpdateSelfHave flips a single bit in the local peer's own tracked
// bitfield. Without this, a non-seed's own completion never reaches the
// termination watch, since downloading a piece only triggers a HAVE
// broadcast to others, not a self-update.
func (m *Manager) UpdateSelfHave(index int) {
	m.setSeenBit(m.selfID, index)
}

func (m *Manager) setSeenBit(id uint32, index int) {
	existing, ok := m.seenBitfields.Get(id)
	if !ok {
		existing = bitfield.New(m.numPieces)
	}
	cp := existing.Clone()
	_ = cp.Set(index)
	m.seenBitfields.Put(id, cp)
	m.checkTermination()
}

// checkTermination raises Done once every known peer's tracked bitfield is
// both present and complete.
func (m *Manager) checkTermination() {
	select {
	case <-m.done:
		return
	default:
	}

	if m.seenBitfields.Len() == 0 {
		return
	}
	complete := m.seenBitfields.All(func(bf *bitfield.Bitfield) bool {
		return bf != nil && bf.IsComplete()
	})
	if complete {
		select {
		case <-m.done:
		default:
			close(m.done)
		}
	}
}

// Run drives the preferred-neighbor and optimistic-neighbor timer loops
// until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	preferredTicker := time.NewTicker(m.cfg.UnchokingInterval)
	defer preferredTicker.Stop()

	optimisticTicker := time.NewTicker(m.cfg.OptimisticInterval)
	defer optimisticTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-preferredTicker.C:
			m.reselectPreferred()
		case <-optimisticTicker.C:
			m.reselectOptimistic()
		}
	}
}

type rated struct {
	id   uint32
	rate float64
	h    connHandler
}

// reselectPreferred implements spec.md §4.5's preferred-neighbor selector.
func (m *Manager) reselectPreferred() {
	m.mu.Lock()
	candidates := make([]rated, 0, len(m.conns))
	for id, c := range m.conns {
		if !c.handler.PeerInterested() {
			continue
		}
		candidates = append(candidates, rated{id: id, rate: c.handler.DownloadRate(), h: c.handler})
	}
	m.mu.Unlock()

	k := m.cfg.NumPreferredNeighbors
	if k < 0 {
		k = 0
	}

	// A peer holding the complete local file has no meaningful download
	// rate of incoming data, so random selection replaces the rate sort —
	// keyed on the LOCAL peer's own completeness, not any remote peer's.
	var chosen []rated
	if m.localComplete != nil && m.localComplete() {
		chosen = randomK(candidates, k)
	} else {
		chosen = topK(candidates, k, func(a, b rated) bool { return a.rate > b.rate })
	}

	newPreferred := make(map[uint32]struct{}, len(chosen))
	ids := make([]uint32, 0, len(chosen))
	for _, c := range chosen {
		newPreferred[c.id] = struct{}{}
		ids = append(ids, c.id)
	}

	m.mu.Lock()
	oldPreferred := m.preferred
	optimisticID := m.optimistic
	hasOptimistic := m.hasOptimistic

	for id := range newPreferred {
		if _, was := oldPreferred[id]; !was {
			if c, ok := m.conns[id]; ok && c.handler.AmChoking() {
				c.handler.SendUnchoke()
			}
		}
	}
	for id := range oldPreferred {
		if _, still := newPreferred[id]; still {
			continue
		}
		if hasOptimistic && id == optimisticID {
			continue
		}
		if c, ok := m.conns[id]; ok && !c.handler.AmChoking() {
			c.handler.SendChoke()
		}
	}
	m.preferred = newPreferred
	m.mu.Unlock()

	m.evlog.PreferredNeighbors(ids)
}

func randomK(candidates []rated, k int) []rated {
	if k > len(candidates) {
		k = len(candidates)
	}
	if k <= 0 {
		return nil
	}
	shuffled := append([]rated(nil), candidates...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}

// reselectOptimistic implements spec.md §4.5's optimistic-neighbor selector.
func (m *Manager) reselectOptimistic() {
	m.mu.Lock()
	var candidates []rated
	for id, c := range m.conns {
		if _, isPreferred := m.preferred[id]; isPreferred {
			continue
		}
		if c.handler.PeerInterested() && c.handler.AmChoking() {
			candidates = append(candidates, rated{id: id, h: c.handler})
		}
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	picked := candidates[rand.Intn(len(candidates))]

	m.mu.Lock()
	prevID := m.optimistic
	hadOptimistic := m.hasOptimistic
	if hadOptimistic && prevID != picked.id {
		if _, stillPreferred := m.preferred[prevID]; !stillPreferred {
			if c, ok := m.conns[prevID]; ok && !c.handler.AmChoking() {
				c.handler.SendChoke()
			}
		}
	}
	m.optimistic = picked.id
	m.hasOptimistic = true
	m.mu.Unlock()

	if picked.h.AmChoking() {
		picked.h.SendUnchoke()
	}
	m.evlog.OptimisticallyUnchokedNeighbor(picked.id)
}
