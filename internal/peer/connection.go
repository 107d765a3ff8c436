// Package peer implements the per-connection protocol state machine: one
// ConnectionHandler runs the handshake, bitfield exchange, and steady-state
// message dispatch for a single TCP connection to another peer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samwilton/pfsp/internal/bitfield"
	"github.com/samwilton/pfsp/internal/eventlog"
	"github.com/samwilton/pfsp/internal/store"
	"github.com/samwilton/pfsp/internal/wire"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// ErrUnexpectedMessage is returned when a message arrives out of turn for
// the handler's current phase (e.g. a second BITFIELD in steady state).
var ErrUnexpectedMessage = errors.New("peer: unexpected message for current phase")

// Hooks decouples ConnectionHandler from its owner (the swarm manager): the
// handler reports events through these callbacks instead of importing the
// manager package directly.
type Hooks struct {
	OnBitfield      func(remoteID uint32, bf *bitfield.Bitfield)
	OnHave          func(remoteID uint32, index int)
	OnInterested    func(remoteID uint32)
	OnNotInterested func(remoteID uint32)
	OnChokedBy      func(remoteID uint32)
	OnUnchokedBy    func(remoteID uint32)
	OnPieceWritten  func(remoteID uint32, index, numHave, numPieces int)
	OnDisconnect    func(remoteID uint32)
}

// Config carries the handler's I/O timeouts.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OutboxSize   int
}

// DefaultConfig returns timeouts generous enough not to trip on a slow but
// healthy peer.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 30 * time.Second,
		OutboxSize:   64,
	}
}

// ConnectionHandler owns one TCP connection's protocol state, from
// handshake through steady-state message dispatch.
type ConnectionHandler struct {
	cfg    Config
	log    *slog.Logger
	evlog  *eventlog.Log
	hooks  Hooks
	store  *store.FileStore
	conn   net.Conn
	selfID uint32

	// RemoteID is set once the handshake completes.
	RemoteID uint32

	state uint32 // atomic bitmask of the four am/peer choke/interest flags

	bfMu  sync.RWMutex
	their *bitfield.Bitfield

	inflightMu sync.Mutex
	inflight   map[int]struct{}

	rate RateMeter

	outq      chan *wire.Message
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// NewInbound builds a handler around an established connection, accepted or
// dialed, before the handshake has run.
func NewInbound(conn net.Conn, selfID uint32, st *store.FileStore, evlog *eventlog.Log, log *slog.Logger, hooks Hooks, cfg Config) *ConnectionHandler {
	return &ConnectionHandler{
		cfg:      cfg,
		log:      log,
		evlog:    evlog,
		hooks:    normalizeHooks(hooks),
		store:    st,
		conn:     conn,
		selfID:   selfID,
		inflight: make(map[int]struct{}),
		outq:     make(chan *wire.Message, cfg.OutboxSize),
	}
}

// normalizeHooks fills any unset callback with a no-op so dispatch never
// needs a nil check.
func normalizeHooks(h Hooks) Hooks {
	if h.OnBitfield == nil {
		h.OnBitfield = func(uint32, *bitfield.Bitfield) {}
	}
	if h.OnHave == nil {
		h.OnHave = func(uint32, int) {}
	}
	if h.OnInterested == nil {
		h.OnInterested = func(uint32) {}
	}
	if h.OnNotInterested == nil {
		h.OnNotInterested = func(uint32) {}
	}
	if h.OnChokedBy == nil {
		h.OnChokedBy = func(uint32) {}
	}
	if h.OnUnchokedBy == nil {
		h.OnUnchokedBy = func(uint32) {}
	}
	if h.OnPieceWritten == nil {
		h.OnPieceWritten = func(uint32, int, int, int) {}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = func(uint32) {}
	}
	return h
}

// Handshake performs the 32-byte handshake exchange. For an outbound dial,
// wantRemoteID is the expected peer id and a mismatch fails the handshake;
// for an inbound accept, pass 0 and wantRemoteID is ignored.
func (h *ConnectionHandler) Handshake(outbound bool, wantRemoteID uint32) error {
	remote, err := wire.Exchange(h.conn, wire.Handshake{PeerID: h.selfID})
	if err != nil {
		return fmt.Errorf("peer: handshake: %w", err)
	}

	if outbound && remote.PeerID != wantRemoteID {
		return fmt.Errorf("peer: handshake: got peer id %d, want %d", remote.PeerID, wantRemoteID)
	}

	h.RemoteID = remote.PeerID
	h.setState(maskAmChoking|maskPeerChoking, true)
	h.log = h.log.With("remote_id", h.RemoteID)

	if outbound {
		h.evlog.MakesConnectionTo(h.RemoteID)
	} else {
		h.evlog.ConnectedFrom(h.RemoteID)
	}
	h.log.Debug("handshake complete", "outbound", outbound)

	return nil
}

// ExchangeBitfield sends the local bitfield, reads the peer's, and sends
// the resulting INTERESTED/NOT_INTERESTED. It must run after Handshake and
// before Run.
func (h *ConnectionHandler) ExchangeBitfield() error {
	local := h.store.Bitfield()
	if err := wire.WriteMessage(h.conn, wire.MessageBitfield(local.ToBytes())); err != nil {
		return fmt.Errorf("peer: send bitfield: %w", err)
	}

	msg, err := wire.ReadMessage(h.conn)
	if err != nil {
		return fmt.Errorf("peer: read bitfield: %w", err)
	}
	if msg.ID != wire.Bitfield {
		return fmt.Errorf("%w: expected bitfield, got %s", ErrUnexpectedMessage, msg.ID)
	}

	their, err := bitfield.FromBytes(h.store.NumPieces(), msg.Payload)
	if err != nil {
		return fmt.Errorf("peer: bad bitfield payload: %w", err)
	}

	h.bfMu.Lock()
	h.their = their
	h.bfMu.Unlock()

	h.hooks.OnBitfield(h.RemoteID, their.Clone())

	if h.store.CheckInterest(their) {
		h.setState(maskAmInterested, true)
		h.send(wire.MessageInterested())
	} else {
		h.send(wire.MessageNotInterested())
	}
	return nil
}

// Run drives the steady-state read and write loops until the connection
// ends, reporting disconnection through hooks.OnDisconnect on exit.
func (h *ConnectionHandler) Run(ctx context.Context) error {
	h.log.Debug("steady state started")
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	defer h.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(gctx) })
	g.Go(func() error { return h.writeLoop(gctx) })

	err := g.Wait()
	h.hooks.OnDisconnect(h.RemoteID)
	return err
}

// Close tears down the connection exactly once.
func (h *ConnectionHandler) Close() {
	h.closeOnce.Do(func() {
		h.stopped.Store(true)
		if h.cancel != nil {
			h.cancel()
		}
		_ = h.conn.Close()
		close(h.outq)
	})
}

func (h *ConnectionHandler) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if h.cfg.ReadTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		}

		msg, err := wire.ReadMessage(h.conn)
		if err != nil {
			return fmt.Errorf("peer: read: %w", err)
		}
		if err := msg.ValidatePayloadSize(); err != nil {
			return fmt.Errorf("peer: malformed message: %w", err)
		}
		if err := h.dispatch(msg); err != nil {
			return err
		}
	}
}

func (h *ConnectionHandler) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-h.outq:
			if !ok {
				return nil
			}
			if h.cfg.WriteTimeout > 0 {
				_ = h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			}
			if err := wire.WriteMessage(h.conn, msg); err != nil {
				return fmt.Errorf("peer: write: %w", err)
			}
		}
	}
}

// dispatch applies one steady-state inbound message, per the handler's
// dispatch table.
func (h *ConnectionHandler) dispatch(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		h.setState(maskPeerChoking, true)
		h.dropInflight()
		h.evlog.ChokedBy(h.RemoteID)
		h.hooks.OnChokedBy(h.RemoteID)

	case wire.Unchoke:
		h.setState(maskPeerChoking, false)
		h.evlog.UnchokedBy(h.RemoteID)
		h.hooks.OnUnchokedBy(h.RemoteID)
		h.tryRequestNext()

	case wire.Interested:
		h.setState(maskPeerInterested, true)
		h.evlog.ReceivedInterested(h.RemoteID)
		h.hooks.OnInterested(h.RemoteID)

	case wire.NotInterested:
		h.setState(maskPeerInterested, false)
		h.evlog.ReceivedNotInterested(h.RemoteID)
		h.hooks.OnNotInterested(h.RemoteID)

	case wire.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("%w: malformed have", ErrUnexpectedMessage)
		}
		h.applyHave(int(index))

	case wire.Bitfield:
		return fmt.Errorf("%w: bitfield outside bitfield phase", ErrUnexpectedMessage)

	case wire.Request:
		index, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("%w: malformed request", ErrUnexpectedMessage)
		}
		return h.serveRequest(int(index))

	case wire.Piece:
		index, content, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("%w: malformed piece", ErrUnexpectedMessage)
		}
		return h.receivePiece(int(index), content)

	default:
		return fmt.Errorf("%w: id %d", ErrUnexpectedMessage, msg.ID)
	}

	return nil
}

func (h *ConnectionHandler) applyHave(index int) {
	h.bfMu.Lock()
	wasInteresting := h.store.CheckInterest(h.their)
	_ = h.their.Set(index)
	nowInteresting := !wasInteresting && h.store.CheckInterest(h.their)
	h.bfMu.Unlock()

	h.evlog.ReceivedHave(h.RemoteID, index)
	h.hooks.OnHave(h.RemoteID, index)

	if nowInteresting && !h.AmInterested() {
		h.setState(maskAmInterested, true)
		h.send(wire.MessageInterested())
	}
}

func (h *ConnectionHandler) serveRequest(index int) error {
	if h.AmChoking() {
		return nil
	}

	content, err := h.store.ReadPiece(index)
	if err != nil {
		return fmt.Errorf("peer: serve request %d: %w", index, err)
	}

	h.send(wire.MessagePiece(uint32(index), content))
	return nil
}

func (h *ConnectionHandler) receivePiece(index int, content []byte) error {
	h.inflightMu.Lock()
	delete(h.inflight, index)
	h.inflightMu.Unlock()

	if err := h.store.WritePiece(index, content); err != nil {
		return fmt.Errorf("peer: write piece %d: %w", index, err)
	}
	h.rate.AddDownloaded(len(content))

	numHave := h.store.NumHave()
	h.evlog.DownloadedPiece(h.RemoteID, index, numHave)
	h.hooks.OnPieceWritten(h.RemoteID, index, numHave, h.store.NumPieces())

	if h.store.IsComplete() {
		h.evlog.DownloadedCompleteFile()
	}

	h.tryRequestNext()
	return nil
}

// tryRequestNext asks the store for a missing piece the peer holds and
// requests it, unless the peer is currently choking us.
func (h *ConnectionHandler) tryRequestNext() {
	if h.PeerChoking() {
		return
	}

	h.bfMu.RLock()
	their := h.their
	h.bfMu.RUnlock()
	if their == nil {
		return
	}

	h.inflightMu.Lock()
	excluded := make(map[int]struct{}, len(h.inflight))
	for idx := range h.inflight {
		excluded[idx] = struct{}{}
	}
	h.inflightMu.Unlock()

	index, ok := h.store.PickRandomMissing(their, excluded)
	if !ok {
		if h.AmInterested() {
			h.setState(maskAmInterested, false)
			h.send(wire.MessageNotInterested())
		}
		return
	}

	h.inflightMu.Lock()
	h.inflight[index] = struct{}{}
	h.inflightMu.Unlock()

	h.send(wire.MessageRequest(uint32(index)))
}

func (h *ConnectionHandler) dropInflight() {
	h.inflightMu.Lock()
	h.inflight = make(map[int]struct{})
	h.inflightMu.Unlock()
}

// SendChoke, SendUnchoke, SendHave are called by the owning manager, with or
// without its lock held; they just enqueue onto the write loop.
func (h *ConnectionHandler) SendChoke() {
	h.setState(maskAmChoking, true)
	h.send(wire.MessageChoke())
}

func (h *ConnectionHandler) SendUnchoke() {
	h.setState(maskAmChoking, false)
	h.send(wire.MessageUnchoke())
}

func (h *ConnectionHandler) SendHave(index int) {
	h.send(wire.MessageHave(uint32(index)))
}

func (h *ConnectionHandler) send(msg *wire.Message) bool {
	if h.stopped.Load() {
		return false
	}
	select {
	case h.outq <- msg:
		return true
	default:
		return false
	}
}

func (h *ConnectionHandler) AmChoking() bool      { return h.getState(maskAmChoking) }
func (h *ConnectionHandler) AmInterested() bool   { return h.getState(maskAmInterested) }
func (h *ConnectionHandler) PeerChoking() bool    { return h.getState(maskPeerChoking) }
func (h *ConnectionHandler) PeerInterested() bool { return h.getState(maskPeerInterested) }

func (h *ConnectionHandler) getState(mask uint32) bool {
	return atomic.LoadUint32(&h.state)&mask != 0
}

func (h *ConnectionHandler) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&h.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&h.state, old, next) {
			return
		}
	}
}

// TheirBitfield returns a snapshot of the peer's last-known bitfield, or
// nil if the bitfield phase hasn't completed yet.
func (h *ConnectionHandler) TheirBitfield() *bitfield.Bitfield {
	h.bfMu.RLock()
	defer h.bfMu.RUnlock()
	if h.their == nil {
		return nil
	}
	return h.their.Clone()
}

// DownloadRate returns the bytes-per-second rate observed since the last
// call, per the manager's rechoke tick, and resets the sample window.
func (h *ConnectionHandler) DownloadRate() float64 {
	return h.rate.GetAndReset()
}
