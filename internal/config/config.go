// Package config loads the two whitespace-delimited configuration files
// (Common.cfg and PeerInfo.cfg) that describe a run of the file-sharing
// swarm, and derives the immutable values the rest of the program consumes.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ConfigError marks a fatal, process-aborting configuration problem: a
// missing file, a malformed line, or an unknown peer id on the command
// line (spec.md §7).
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(op string, err error) error { return &ConfigError{Op: op, Err: err} }

// Params holds the six Common.cfg fields plus values derived once from them.
type Params struct {
	NumberOfPreferredNeighbors  int
	UnchokingInterval           int // seconds; p
	OptimisticUnchokingInterval int // seconds; m
	FileName                    string
	FileSize                    int64
	PieceSize                   int64

	// NumPieces and LastPieceSize are derived, not read directly.
	NumPieces     int
	LastPieceSize int64
}

// PeerDescriptor is one line of PeerInfo.cfg: {peer_id, host, port,
// starts_with_file}. Read once, never mutated (spec.md §3).
type PeerDescriptor struct {
	ID             uint32
	Host           string
	Port           int
	StartsWithFile bool
}

// Roster is the ordered peer list from PeerInfo.cfg plus a lookup index.
// Order defines the bootstrap topology: a peer initiates outbound
// connections to every peer listed before it.
type Roster struct {
	Peers     []PeerDescriptor
	byID      map[uint32]int // index into Peers
	selfIndex int
}

// ByID returns the descriptor for id, if present.
func (r *Roster) ByID(id uint32) (PeerDescriptor, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return PeerDescriptor{}, false
	}
	return r.Peers[idx], true
}

// Self returns the local peer's own descriptor.
func (r *Roster) Self() PeerDescriptor { return r.Peers[r.selfIndex] }

// InitiateTo returns every peer listed strictly before the local peer in
// PeerInfo.cfg — the set this process dials outbound.
func (r *Roster) InitiateTo() []PeerDescriptor {
	return append([]PeerDescriptor(nil), r.Peers[:r.selfIndex]...)
}

// AcceptFrom returns every peer listed strictly after the local peer — the
// set expected to dial in.
func (r *Roster) AcceptFrom() []PeerDescriptor {
	return append([]PeerDescriptor(nil), r.Peers[r.selfIndex+1:]...)
}

// All returns every peer other than the local one.
func (r *Roster) All() []PeerDescriptor {
	out := make([]PeerDescriptor, 0, len(r.Peers)-1)
	for i, p := range r.Peers {
		if i != r.selfIndex {
			out = append(out, p)
		}
	}
	return out
}

// LoadCommon reads and validates Common.cfg from path.
func LoadCommon(path string) (Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return Params{}, configErr("open Common.cfg", err)
	}
	defer f.Close()

	fields, err := parseKeyValueLines(f)
	if err != nil {
		return Params{}, configErr("parse Common.cfg", err)
	}

	for _, key := range []string{
		"NumberOfPreferredNeighbors",
		"UnchokingInterval",
		"OptimisticUnchokingInterval",
		"FileName",
		"FileSize",
		"PieceSize",
	} {
		if _, ok := fields[key]; !ok {
			return Params{}, configErr("parse Common.cfg", fmt.Errorf("missing key %q", key))
		}
	}

	var p Params

	p.NumberOfPreferredNeighbors, err = strconv.Atoi(fields["NumberOfPreferredNeighbors"])
	if err != nil {
		return Params{}, configErr("parse NumberOfPreferredNeighbors", err)
	}
	p.UnchokingInterval, err = strconv.Atoi(fields["UnchokingInterval"])
	if err != nil {
		return Params{}, configErr("parse UnchokingInterval", err)
	}
	p.OptimisticUnchokingInterval, err = strconv.Atoi(fields["OptimisticUnchokingInterval"])
	if err != nil {
		return Params{}, configErr("parse OptimisticUnchokingInterval", err)
	}
	p.FileName = fields["FileName"]

	p.FileSize, err = strconv.ParseInt(fields["FileSize"], 10, 64)
	if err != nil {
		return Params{}, configErr("parse FileSize", err)
	}
	p.PieceSize, err = strconv.ParseInt(fields["PieceSize"], 10, 64)
	if err != nil {
		return Params{}, configErr("parse PieceSize", err)
	}
	if p.FileSize <= 0 || p.PieceSize <= 0 {
		return Params{}, configErr("validate Common.cfg", fmt.Errorf("FileSize and PieceSize must be positive"))
	}

	p.NumPieces = int((p.FileSize + p.PieceSize - 1) / p.PieceSize)
	p.LastPieceSize = p.FileSize - int64(p.NumPieces-1)*p.PieceSize

	return p, nil
}

// LoadRoster reads and validates PeerInfo.cfg, locating selfID within it.
func LoadRoster(path string, selfID uint32) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, configErr("open PeerInfo.cfg", err)
	}
	defer f.Close()

	var peers []PeerDescriptor
	byID := make(map[uint32]int)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, configErr("parse PeerInfo.cfg", fmt.Errorf("malformed line %q", line))
		}

		id64, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, configErr("parse PeerInfo.cfg", fmt.Errorf("bad peer id %q: %w", fields[0], err))
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, configErr("parse PeerInfo.cfg", fmt.Errorf("bad port %q: %w", fields[2], err))
		}
		hasFile, err := strconv.Atoi(fields[3])
		if err != nil || (hasFile != 0 && hasFile != 1) {
			return nil, configErr("parse PeerInfo.cfg", fmt.Errorf("bad has_file flag %q", fields[3]))
		}

		id := uint32(id64)
		byID[id] = len(peers)
		peers = append(peers, PeerDescriptor{
			ID:             id,
			Host:           fields[1],
			Port:           port,
			StartsWithFile: hasFile == 1,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, configErr("read PeerInfo.cfg", err)
	}

	selfIdx, ok := byID[selfID]
	if !ok {
		return nil, configErr("locate self", fmt.Errorf("peer id %d not present in PeerInfo.cfg", selfID))
	}

	return &Roster{Peers: peers, byID: byID, selfIndex: selfIdx}, nil
}

// parseKeyValueLines parses "<key> <value>" lines, ignoring blank lines.
func parseKeyValueLines(r io.Reader) (map[string]string, error) {
	fields := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		fields[parts[0]] = parts[1]
	}

	return fields, scanner.Err()
}
