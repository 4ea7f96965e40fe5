package pagetable

import "testing"

// TestMakeLocalClearsRemoteMarker is the round-trip the PFA's FetchPage
// relies on: for any pgid, a remote PTE run through MakeLocal must stop
// reporting itself as remote, and must carry the target frame's PPN.
func TestMakeLocalClearsRemoteMarker(t *testing.T) {
	pgids := []uint32{0, 1, 7, 42, 1023, 1 << 20, 0xFFFFFFFF}
	paddrs := []uint64{0, 0x1000, 0x3000, 0x7FFFF000}

	for _, pgid := range pgids {
		remote := (uint64(pgid) << PFA_PAGEID_SHIFT) | PFA_REMOTE
		if !IsRemote(remote) {
			t.Fatalf("pgid=%d: constructed PTE %#x is not recognized as remote", pgid, remote)
		}
		if got := PageID(remote); got != pgid {
			t.Fatalf("PageID(%#x) = %d, want %d", remote, got, pgid)
		}

		for _, paddr := range paddrs {
			local := MakeLocal(remote, paddr)
			if IsRemote(local) {
				t.Fatalf("pgid=%d paddr=%#x: MakeLocal(%#x) = %#x is still remote", pgid, paddr, remote, local)
			}
			if local&PTE_V == 0 {
				t.Fatalf("pgid=%d paddr=%#x: MakeLocal result %#x has V clear", pgid, paddr, local)
			}
			wantPPN := (paddr >> 12) << PTE_PPN_SHIFT
			allOnes := ^uint64(0)
			if local&(allOnes<<PTE_PPN_SHIFT) != wantPPN {
				t.Fatalf("pgid=%d paddr=%#x: MakeLocal result %#x has wrong PPN, want %#x", pgid, paddr, local, wantPPN)
			}
		}
	}
}

func TestIsRemoteRequiresBothBits(t *testing.T) {
	if IsRemote(PTE_V) {
		t.Fatalf("a PTE with only V set should not be remote")
	}
	if IsRemote(0) {
		t.Fatalf("an all-zero PTE should not be remote")
	}
	if !IsRemote(PFA_REMOTE) {
		t.Fatalf("V clear with REMOTE set should be remote")
	}
	if IsRemote(PTE_V | PFA_REMOTE) {
		t.Fatalf("V set should disqualify a PTE from being remote even with REMOTE set")
	}
}
