// Command pfsp runs one peer in a fixed-roster, tit-for-tat file-sharing
// swarm: it reads Common.cfg and PeerInfo.cfg from the working directory,
// dials every peer listed before it, accepts connections from every peer
// listed after it, and exits once every known peer reports a complete file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/samwilton/pfsp/internal/bitfield"
	"github.com/samwilton/pfsp/internal/config"
	"github.com/samwilton/pfsp/internal/eventlog"
	"github.com/samwilton/pfsp/internal/logging"
	"github.com/samwilton/pfsp/internal/peer"
	"github.com/samwilton/pfsp/internal/retry"
	"github.com/samwilton/pfsp/internal/store"
	"github.com/samwilton/pfsp/internal/swarm"
)

func main() {
	setupLogger()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}

func run(args []string) error {
	fs := flag.NewFlagSet("pfsp", flag.ContinueOnError)
	commonPath := fs.String("common", "Common.cfg", "path to Common.cfg")
	rosterPath := fs.String("peers", "PeerInfo.cfg", "path to PeerInfo.cfg")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pfsp [-common path] [-peers path] <peer_id>")
	}

	selfID64, err := strconv.ParseUint(fs.Arg(0), 10, 32)
	if err != nil {
		return fmt.Errorf("bad peer_id %q: %w", fs.Arg(0), err)
	}
	selfID := uint32(selfID64)

	params, err := config.LoadCommon(*commonPath)
	if err != nil {
		return err
	}
	roster, err := config.LoadRoster(*rosterPath, selfID)
	if err != nil {
		return err
	}
	self := roster.Self()

	evlog, err := eventlog.Open(".", selfID)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer evlog.Close()

	st, err := store.Open(".", selfID, params.FileName, params.FileSize, params.PieceSize, self.StartsWithFile)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mgr := swarm.New(swarm.Config{
		NumPreferredNeighbors: params.NumberOfPreferredNeighbors,
		UnchokingInterval:     time.Duration(params.UnchokingInterval) * time.Second,
		OptimisticInterval:    time.Duration(params.OptimisticUnchokingInterval) * time.Second,
	}, selfID, params.NumPieces, st.Bitfield(), evlog, slog.Default(), st.IsComplete)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", self.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", self.Port, err)
	}
	defer ln.Close()

	go mgr.Run(ctx)
	go acceptLoop(ctx, ln, selfID, st, evlog, mgr)

	for _, target := range roster.InitiateTo() {
		go dialAndRun(ctx, target, selfID, st, evlog, mgr)
	}

	select {
	case <-mgr.Done():
		slog.Info("swarm complete, shutting down")
	case <-ctx.Done():
		slog.Info("shutdown requested")
	}
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, selfID uint32, st *store.FileStore, evlog *eventlog.Log, mgr *swarm.Manager) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "error", err)
			continue
		}
		go serve(ctx, conn, false, 0, selfID, st, evlog, mgr)
	}
}

func dialAndRun(ctx context.Context, target config.PeerDescriptor, selfID uint32, st *store.FileStore, evlog *eventlog.Log, mgr *swarm.Manager) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	var conn net.Conn
	err := retry.Do(ctx, func(ctx context.Context) error {
		c, dialErr := net.DialTimeout("tcp", addr, 10*time.Second)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		slog.Warn("outbound connection failed", "peer_id", target.ID, "addr", addr, "error", err)
		return
	}

	serve(ctx, conn, true, target.ID, selfID, st, evlog, mgr)
}

func serve(ctx context.Context, conn net.Conn, outbound bool, wantRemoteID, selfID uint32, st *store.FileStore, evlog *eventlog.Log, mgr *swarm.Manager) {
	defer conn.Close()

	hooks := peer.Hooks{
		OnBitfield: func(remoteID uint32, bf *bitfield.Bitfield) {
			mgr.UpdatePeerBitfield(remoteID, bf)
		},
		OnHave: func(remoteID uint32, index int) {
			mgr.UpdatePeerHave(remoteID, index)
		},
		OnPieceWritten: func(remoteID uint32, index, numHave, numPieces int) {
			mgr.UpdateSelfHave(index)
			mgr.BroadcastHave(index)
		},
		OnDisconnect: func(remoteID uint32) {
			mgr.RemoveConnection(remoteID)
		},
	}

	h := peer.NewInbound(conn, selfID, st, evlog, slog.Default(), hooks, peer.DefaultConfig())

	if err := h.Handshake(outbound, wantRemoteID); err != nil {
		slog.Warn("handshake failed", "error", err)
		return
	}
	if err := h.ExchangeBitfield(); err != nil {
		slog.Warn("bitfield exchange failed", "remote_id", h.RemoteID, "error", err)
		return
	}

	mgr.AddConnection(h.RemoteID, h)

	if err := h.Run(ctx); err != nil {
		slog.Debug("connection ended", "remote_id", h.RemoteID, "error", err)
	}
}
