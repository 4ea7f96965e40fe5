package devices

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/WabashOS/riscv-isa-sim/host"
	"github.com/WabashOS/riscv-isa-sim/pagetable"
)

// evictState is the PFA's tiny eviction state machine. Idle means no
// eviction is outstanding. InProgress{pgid} is set by a successful
// eviction store and cleared by the next EVICTSTAT load, which is the
// single observation point this synchronous model uses to simulate
// asynchronous completion.
type evictState struct {
	inProgress bool
	pgid       uint32
}

// PFA is the page-fault accelerator. It owns a free-frame queue, a pair
// of new-page FIFOs (pgid and vaddr, meant to be drained in lockstep),
// a remote page store keyed by pgid, and the eviction state machine
// above. All state is zeroed at construction; memory views obtained from
// the host facade are only used for the duration of each call, never
// retained across calls.
type PFA struct {
	lock sync.Mutex

	h host.Host
	l *log.Logger

	freeq    []uint64
	newPgid  []uint32
	newVaddr []uint64
	rmem     map[uint32][]byte
	evict    evictState
}

// NewPFA constructs a PFA against the given host facade. w receives
// diagnostic log lines; pass io.Discard to silence them.
func NewPFA(h host.Host, w io.Writer) *PFA {
	return &PFA{
		h:    h,
		l:    log.New(w, "PFA: ", 0),
		rmem: make(map[uint32][]byte),
	}
}

// Load dispatches an MMIO read against the PFA's register window.
// length must be exactly 8 — every PFA register is one machine word.
func (p *PFA) Load(offset uint64, length int, out []byte) error {
	if length != 8 {
		return fmt.Errorf("PFA: illegal load length %d at offset %#x, only 8-byte loads are accepted", length, offset)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	switch offset {
	case PFA_FREEFRAME:
		return fmt.Errorf("PFA: load from FREEFRAME is illegal")
	case PFA_FREESTAT:
		putU64(out, uint64(PFA_FREE_MAX-len(p.freeq)))
		return nil
	case PFA_EVICTPAGE:
		return fmt.Errorf("PFA: load from EVICTPAGE is illegal")
	case PFA_EVICTSTAT:
		putU64(out, p.evictStatLocked())
		return nil
	case PFA_NEWPGID:
		return p.popNewPgidLocked(out)
	case PFA_NEWVADDR:
		return p.popNewVaddrLocked(out)
	case PFA_NEWSTAT:
		putU64(out, uint64(len(p.newPgid)))
		return nil
	default:
		return fmt.Errorf("PFA: load from unrecognized offset %#x", offset)
	}
}

// Store dispatches an MMIO write against the PFA's register window.
// length must be exactly 8.
func (p *PFA) Store(offset uint64, length int, in []byte) error {
	if length != 8 {
		return fmt.Errorf("PFA: illegal store length %d at offset %#x, only 8-byte stores are accepted", length, offset)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	switch offset {
	case PFA_FREEFRAME:
		return p.freeFrameLocked(getU64(in))
	case PFA_FREESTAT:
		return fmt.Errorf("PFA: store to FREESTAT is illegal")
	case PFA_EVICTPAGE:
		return p.evictPageLocked(getU64(in))
	case PFA_EVICTSTAT:
		return fmt.Errorf("PFA: store to EVICTSTAT is illegal")
	case PFA_NEWPGID:
		return fmt.Errorf("PFA: store to NEWPGID is illegal")
	case PFA_NEWVADDR:
		return fmt.Errorf("PFA: store to NEWVADDR is illegal")
	case PFA_NEWSTAT:
		return fmt.Errorf("PFA: store to NEWSTAT is illegal")
	default:
		return fmt.Errorf("PFA: store to unrecognized offset %#x", offset)
	}
}

// freeFrameLocked enqueues a guest-donated free frame. A paddr that
// fails to resolve against the host is rejected outright rather than
// logged-and-accepted (see DESIGN.md / SPEC_FULL.md Open Questions).
func (p *PFA) freeFrameLocked(paddr uint64) error {
	if len(p.freeq) >= PFA_FREE_MAX {
		return fmt.Errorf("PFA: free-frame queue is full (max %d)", PFA_FREE_MAX)
	}
	if _, ok := p.h.ResolveMem(paddr); !ok {
		return fmt.Errorf("PFA: paddr %#x for donated free frame does not resolve", paddr)
	}
	p.freeq = append(p.freeq, paddr)
	p.l.Printf("donated free frame paddr=%#x (queue depth %d)", paddr, len(p.freeq))
	return nil
}

// evictPageLocked decodes the packed eviction word (pgid in bits [63:36],
// the victim frame's page number in bits [35:0]), copies the victim frame
// into the remote store, and arms the eviction state machine.
func (p *PFA) evictPageLocked(word uint64) error {
	if p.evict.inProgress {
		return fmt.Errorf("PFA: eviction already in progress for pgid %d; poll EVICTSTAT first", p.evict.pgid)
	}

	paddr := (word << 28) >> 16
	pgid := uint32(word >> 36)

	src, ok := p.h.ResolveMem(paddr)
	if !ok || len(src) < PageSize {
		return fmt.Errorf("PFA: invalid paddr %#x for evicted page", paddr)
	}

	buf := make([]byte, PageSize)
	copy(buf, src[:PageSize])

	// Replacing an existing entry is last-writer-wins; the old buffer is
	// simply dropped and reclaimed by the GC.
	p.rmem[pgid] = buf

	p.evict = evictState{inProgress: true, pgid: pgid}
	p.l.Printf("evicted pgid=%d from paddr=%#x", pgid, paddr)
	return nil
}

// evictStatLocked implements the single-observation completion model:
// the first EVICTSTAT load after a successful eviction reports the
// queue as one slot "busy" and clears the state machine; every
// subsequent load (until the next eviction) reports the queue empty.
func (p *PFA) evictStatLocked() uint64 {
	if p.evict.inProgress {
		p.evict = evictState{}
		return PFA_EVICT_MAX - 1
	}
	return PFA_EVICT_MAX
}

func (p *PFA) popNewPgidLocked(out []byte) error {
	if len(p.newPgid) == 0 {
		return fmt.Errorf("PFA: new-page pgid queue is empty")
	}
	putU64(out, uint64(p.newPgid[0]))
	p.newPgid = p.newPgid[1:]
	return nil
}

func (p *PFA) popNewVaddrLocked(out []byte) error {
	if len(p.newVaddr) == 0 {
		return fmt.Errorf("PFA: new-page vaddr queue is empty")
	}
	putU64(out, p.newVaddr[0])
	p.newVaddr = p.newVaddr[1:]
	return nil
}

// FetchPage services an MMU fault for a remote PTE. vaddr is the
// faulting virtual address; pte points to the remote PTE the caller
// extracted from its page table and will have rewritten in place on
// FetchOK.
func (p *PFA) FetchPage(vaddr uint64, pte *uint64) (FetchStatus, error) {
	vaddr &^= uint64(PageSize - 1)

	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.freeq) == 0 {
		p.l.Printf("no free frame available for vaddr=%#x", vaddr)
		return FetchNoFree, nil
	}
	if len(p.newPgid) == PFA_NEW_MAX {
		p.l.Printf("new-page queue full, cannot fetch vaddr=%#x", vaddr)
		return FetchNoNew, nil
	}

	pgid := pagetable.PageID(*pte)

	if p.evict.inProgress && p.evict.pgid == pgid {
		return FetchErr, fmt.Errorf("PFA: pgid %d is mid-eviction, cannot fetch", pgid)
	}

	page, ok := p.rmem[pgid]
	if !ok {
		p.l.Printf("pgid %d not found in remote store for vaddr=%#x", pgid, vaddr)
		return FetchNoPage, nil
	}

	paddr := p.freeq[0]
	p.freeq = p.freeq[1:]

	p.newPgid = append(p.newPgid, pgid)
	p.newVaddr = append(p.newVaddr, vaddr)

	*pte = pagetable.MakeLocal(*pte, paddr)

	dst, ok := p.h.ResolveMem(paddr)
	if !ok || len(dst) < PageSize {
		return FetchErr, fmt.Errorf("PFA: bad physical address %#x for fetch target", paddr)
	}
	copy(dst[:PageSize], page)

	delete(p.rmem, pgid)

	p.l.Printf("fetched pgid=%d into paddr=%#x for vaddr=%#x", pgid, paddr, vaddr)
	return FetchOK, nil
}

func putU64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func getU64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
