package devices_test

import (
	"testing"

	"github.com/WabashOS/riscv-isa-sim/devices"
	"github.com/WabashOS/riscv-isa-sim/pagetable"
)

// TestFreeQueueNeverExceedsMax exercises spec.md §8's bound on
// FreeFrameQueue under a sequence of donations past capacity.
func TestFreeQueueNeverExceedsMax(t *testing.T) {
	p, _ := newTestPFA(t)

	accepted := 0
	for i := 0; i < devices.PFA_FREE_MAX*2; i++ {
		if err := storeWord(t, p, devices.PFA_FREEFRAME, uint64((i+1)*4096)); err == nil {
			accepted++
		}
	}
	if accepted != devices.PFA_FREE_MAX {
		t.Fatalf("accepted %d donations, want exactly %d", accepted, devices.PFA_FREE_MAX)
	}
	if got := loadWord(t, p, devices.PFA_FREESTAT); got != 0 {
		t.Fatalf("FREESTAT = %d, want 0 once the queue is saturated", got)
	}
}

// TestNewQueuesStayInLockstep exercises spec.md §8's invariant that the
// pgid and vaddr new-page FIFOs are always equal in length.
func TestNewQueuesStayInLockstep(t *testing.T) {
	p, h := newTestPFA(t)

	const n = 5
	for i := 0; i < n; i++ {
		paddr := uint64((i + 1) * 4096)
		buf, _ := h.ResolveMem(paddr + 0x20000)
		copy(buf[:devices.PageSize], []byte{byte(i)})
		if err := storeWord(t, p, devices.PFA_EVICTPAGE, evictWord(uint32(i), paddr+0x20000)); err != nil {
			t.Fatalf("evict %d: %v", i, err)
		}
		loadWord(t, p, devices.PFA_EVICTSTAT) // complete the eviction
		if err := storeWord(t, p, devices.PFA_FREEFRAME, paddr); err != nil {
			t.Fatalf("donate %d: %v", i, err)
		}
		pte := remotePTE(uint32(i))
		status, err := p.FetchPage(uint64(i)*devices.PageSize, &pte)
		if err != nil || status != devices.FetchOK {
			t.Fatalf("FetchPage %d: status=%v err=%v", i, status, err)
		}
		if pagetable.IsRemote(pte) {
			t.Fatalf("pte %#x for pgid %d still reports remote after a successful FetchPage", pte, i)
		}
	}

	if got := loadWord(t, p, devices.PFA_NEWSTAT); got != n {
		t.Fatalf("NEWSTAT = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		pgid := loadWord(t, p, devices.PFA_NEWPGID)
		vaddr := loadWord(t, p, devices.PFA_NEWVADDR)
		if pgid != uint64(i) {
			t.Fatalf("NEWPGID[%d] = %d, want %d", i, pgid, i)
		}
		if vaddr != uint64(i)*devices.PageSize {
			t.Fatalf("NEWVADDR[%d] = %#x, want %#x", i, vaddr, uint64(i)*devices.PageSize)
		}
	}
}

// TestRespOrderingMatchesSuccessfulRequests exercises spec.md §8's
// guarantee that RESP yields 0, 1, 2, … under successful REQ loads with
// no interleaved failures.
func TestRespOrderingMatchesSuccessfulRequests(t *testing.T) {
	m, h := newTestMB(t)

	store8(t, m, devices.MB_DST_ADDR, 0x20000)
	store8(t, m, devices.MB_PAGENO, 1)
	storeOpcode(t, m, devices.OpPageRead)

	const n = 4
	for i := 0; i < n; i++ {
		if got := req(t, m); got != uint32(i) {
			t.Fatalf("REQ[%d] = %d, want %d", i, got, i)
		}
	}
	_ = h
	for i := 0; i < n; i++ {
		if got := resp(t, m); got != uint32(i) {
			t.Fatalf("RESP[%d] = %d, want %d", i, got, i)
		}
	}
}
