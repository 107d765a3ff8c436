package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadCommonValid(t *testing.T) {
	path := writeTemp(t, "Common.cfg", `NumberOfPreferredNeighbors 2
UnchokingInterval 5
OptimisticUnchokingInterval 15
FileName thefile.dat
FileSize 2167705
PieceSize 16384
`)

	p, err := LoadCommon(path)
	if err != nil {
		t.Fatalf("LoadCommon: %v", err)
	}

	if p.NumberOfPreferredNeighbors != 2 || p.UnchokingInterval != 5 || p.OptimisticUnchokingInterval != 15 {
		t.Fatalf("unexpected intervals: %+v", p)
	}
	if p.FileName != "thefile.dat" || p.FileSize != 2167705 || p.PieceSize != 16384 {
		t.Fatalf("unexpected file fields: %+v", p)
	}

	wantPieces := 133 // ceil(2167705/16384)
	if p.NumPieces != wantPieces {
		t.Fatalf("NumPieces = %d; want %d", p.NumPieces, wantPieces)
	}
	wantLast := p.FileSize - int64(wantPieces-1)*p.PieceSize
	if p.LastPieceSize != wantLast {
		t.Fatalf("LastPieceSize = %d; want %d", p.LastPieceSize, wantLast)
	}
}

func TestLoadCommonMissingKey(t *testing.T) {
	path := writeTemp(t, "Common.cfg", `NumberOfPreferredNeighbors 2
UnchokingInterval 5
`)

	if _, err := LoadCommon(path); err == nil {
		t.Fatal("expected error for missing keys")
	}
}

func TestLoadCommonBadNumber(t *testing.T) {
	path := writeTemp(t, "Common.cfg", `NumberOfPreferredNeighbors 2
UnchokingInterval 5
OptimisticUnchokingInterval 15
FileName thefile.dat
FileSize notanumber
PieceSize 16384
`)

	if _, err := LoadCommon(path); err == nil {
		t.Fatal("expected error for non-numeric FileSize")
	}
}

func TestLoadCommonMissingFile(t *testing.T) {
	if _, err := LoadCommon(filepath.Join(t.TempDir(), "nope.cfg")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRosterValid(t *testing.T) {
	path := writeTemp(t, "PeerInfo.cfg", `1001 lin114-00.cm.cluster 6008 1
1002 lin114-01.cm.cluster 6008 0
1003 lin114-02.cm.cluster 6008 0
`)

	r, err := LoadRoster(path, 1002)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}

	if len(r.Peers) != 3 {
		t.Fatalf("len(Peers) = %d; want 3", len(r.Peers))
	}
	if r.Self().ID != 1002 {
		t.Fatalf("Self().ID = %d; want 1002", r.Self().ID)
	}

	initiate := r.InitiateTo()
	if len(initiate) != 1 || initiate[0].ID != 1001 {
		t.Fatalf("InitiateTo = %+v; want [1001]", initiate)
	}

	accept := r.AcceptFrom()
	if len(accept) != 1 || accept[0].ID != 1003 {
		t.Fatalf("AcceptFrom = %+v; want [1003]", accept)
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() = %+v; want 2 entries", all)
	}

	p, ok := r.ByID(1001)
	if !ok || p.Host != "lin114-00.cm.cluster" || p.Port != 6008 || !p.StartsWithFile {
		t.Fatalf("ByID(1001) = %+v, %v", p, ok)
	}

	if _, ok := r.ByID(9999); ok {
		t.Fatal("expected ByID(9999) to miss")
	}
}

func TestLoadRosterUnknownSelf(t *testing.T) {
	path := writeTemp(t, "PeerInfo.cfg", `1001 host1 6008 1
1002 host2 6008 0
`)

	if _, err := LoadRoster(path, 9999); err == nil {
		t.Fatal("expected error for unknown self id")
	}
}

func TestLoadRosterMalformedLine(t *testing.T) {
	path := writeTemp(t, "PeerInfo.cfg", `1001 host1 6008 1
1002 host2 onlythreefields
`)

	if _, err := LoadRoster(path, 1001); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestLoadRosterBadHasFileFlag(t *testing.T) {
	path := writeTemp(t, "PeerInfo.cfg", `1001 host1 6008 2
`)

	if _, err := LoadRoster(path, 1001); err == nil {
		t.Fatal("expected error for out-of-range has_file flag")
	}
}
