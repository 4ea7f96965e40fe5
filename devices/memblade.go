package devices

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/WabashOS/riscv-isa-sim/host"
)

// MemoryBlade is the MB device: an opcode/argument register file that
// arms a command on a store to OPCODE, executes it synchronously on a
// load from REQ, and reports completed transaction ids via RESP. It
// mutates a remote page store keyed by pageno, independent of the PFA's
// pgid-keyed store.
type MemoryBlade struct {
	lock sync.Mutex

	h host.Host
	l *log.Logger

	src    uint64
	dst    uint64
	dstmac uint64
	pageno uint64
	opcode MBOpcode

	txid  uint32
	nresp uint32

	rmem map[uint64][]byte
}

// NewMemoryBlade constructs an MB device against the given host facade.
// w receives diagnostic log lines; pass io.Discard to silence them.
func NewMemoryBlade(h host.Host, w io.Writer) *MemoryBlade {
	return &MemoryBlade{
		h:      h,
		l:      log.New(w, "MB: ", 0),
		opcode: OpUnset,
		rmem:   make(map[uint64][]byte),
	}
}

// Load dispatches an MMIO read against the MB's register window.
func (m *MemoryBlade) Load(offset uint64, length int, out []byte) error {
	if offset >= MB_LAST {
		return fmt.Errorf("MB: load from unmapped offset %#x", offset)
	}
	if length != 4 {
		return fmt.Errorf("MB: illegal load length %d at offset %#x, only 4-byte loads are accepted", length, offset)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	switch offset {
	case MB_REQ:
		return m.executeLocked(out)
	case MB_RESP:
		return m.respLocked(out)
	case MB_NREQ:
		putU32(out, 1)
		return nil
	case MB_NRESP:
		putU32(out, m.nresp)
		return nil
	default:
		return fmt.Errorf("MB: load from write-only or unrecognized offset %#x", offset)
	}
}

// Store dispatches an MMIO write against the MB's register window.
func (m *MemoryBlade) Store(offset uint64, length int, in []byte) error {
	if offset >= MB_LAST {
		return fmt.Errorf("MB: store to unmapped offset %#x", offset)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if offset == MB_OPCODE {
		if length != 1 {
			return fmt.Errorf("MB: illegal store length %d to OPCODE, only 1-byte stores are accepted", length)
		}
		m.opcode = MBOpcode(in[0])
		m.l.Printf("armed opcode %s", m.opcode)
		return nil
	}

	if length != 8 {
		return fmt.Errorf("MB: illegal store length %d at offset %#x, only 8-byte stores are accepted", length, offset)
	}

	val := getU64(in)
	switch offset {
	case MB_SRC_ADDR:
		m.src = val
	case MB_DST_ADDR:
		m.dst = val
	case MB_DSTMAC:
		m.dstmac = val // accepted, ignored: no wire output is modeled
	case MB_PAGENO:
		m.pageno = val
	default:
		return fmt.Errorf("MB: store to read-only or unrecognized offset %#x", offset)
	}
	return nil
}

// executeLocked dispatches on the armed opcode, runs its handler, and
// only on success writes txid into out and advances the counters. A
// pre-execution addressing or sizing fault fails the load and leaves
// txid/nresp untouched, matching the ordering guarantee RESP relies on.
func (m *MemoryBlade) executeLocked(out []byte) error {
	if m.opcode == OpUnset {
		return fmt.Errorf("MB: REQ executed with no opcode armed")
	}

	var err error
	switch m.opcode {
	case OpPageRead:
		err = m.handlePageRead()
	case OpPageWrite:
		err = m.handlePageWrite()
	case OpWordRead, OpWordWrite, OpAtomicAdd, OpCompSwap:
		err = m.handleWordOp(m.opcode)
	default:
		err = fmt.Errorf("MB: unrecognized opcode %#x", byte(m.opcode))
	}
	if err != nil {
		return err
	}

	putU32(out, m.txid)
	m.txid++
	m.nresp++
	return nil
}

func (m *MemoryBlade) respLocked(out []byte) error {
	if m.nresp == 0 {
		return fmt.Errorf("MB: no completed transactions pending")
	}
	id := m.txid - m.nresp
	m.nresp--
	putU32(out, id)
	return nil
}

func (m *MemoryBlade) handlePageRead() error {
	dst, ok := m.h.ResolveMem(m.dst)
	if !ok || len(dst) < PageSize {
		return fmt.Errorf("MB: bad dst address %#x for PageRead", m.dst)
	}
	page, ok := m.rmem[m.pageno]
	if !ok {
		for i := 0; i < PageSize; i++ {
			dst[i] = 0
		}
		return nil
	}
	copy(dst[:PageSize], page)
	return nil
}

func (m *MemoryBlade) handlePageWrite() error {
	src, ok := m.h.ResolveMem(m.src)
	if !ok || len(src) < PageSize {
		return fmt.Errorf("MB: bad src address %#x for PageWrite", m.src)
	}
	buf := m.rmem[m.pageno]
	if buf == nil {
		buf = make([]byte, PageSize)
		m.rmem[m.pageno] = buf
	}
	copy(buf, src[:PageSize])
	return nil
}

// remoteBuf returns (allocating if necessary) the remote page backing
// the armed pageno. Word ops observe zero-initialized content on first
// reference.
func (m *MemoryBlade) remoteBuf() []byte {
	buf := m.rmem[m.pageno]
	if buf == nil {
		buf = make([]byte, PageSize)
		m.rmem[m.pageno] = buf
	}
	return buf
}

// readExtHeader parses the 24-byte extended header at src: word 0 packs
// size_code/offset, word 1 is value, word 2 is cmp_value.
func (m *MemoryBlade) readExtHeader() (extHeader, error) {
	raw, ok := m.h.ResolveMem(m.src)
	if !ok || len(raw) < 24 {
		return extHeader{}, fmt.Errorf("MB: bad src address %#x for extended header", m.src)
	}

	word0 := getU64(raw[0:8])
	value := getU64(raw[8:16])
	cmp := getU64(raw[16:24])

	sizeCode := word0 & 0x3
	offset := int((word0 >> 4) & 0xfff)

	var size int
	switch sizeCode {
	case 0:
		size = 1
	case 1:
		size = 2
	case 2:
		size = 4
	case 3:
		size = 8
	}
	if size == 0 {
		return extHeader{}, fmt.Errorf("MB: invalid size_code %d in extended header", sizeCode)
	}
	if offset < 0 || offset+size > PageSize {
		return extHeader{}, fmt.Errorf("MB: offset %d + size %d exceeds page bounds", offset, size)
	}

	return extHeader{size: size, offset: offset, value: value, cmpValue: cmp}, nil
}

func (m *MemoryBlade) handleWordOp(op MBOpcode) error {
	hdr, err := m.readExtHeader()
	if err != nil {
		return err
	}

	buf := m.remoteBuf()
	region := buf[hdr.offset : hdr.offset+hdr.size]

	switch op {
	case OpWordRead:
		dst, ok := m.h.ResolveMem(m.dst)
		if !ok || len(dst) < hdr.size {
			return fmt.Errorf("MB: bad dst address %#x for WordRead", m.dst)
		}
		copy(dst[:hdr.size], region)

	case OpWordWrite:
		writeLE(region, hdr.value, hdr.size)

	case OpAtomicAdd:
		dst, ok := m.h.ResolveMem(m.dst)
		if !ok || len(dst) < hdr.size {
			return fmt.Errorf("MB: bad dst address %#x for AtomicAdd", m.dst)
		}
		pre := readLE(region, hdr.size)
		copy(dst[:hdr.size], region)
		writeLE(region, pre+hdr.value, hdr.size)

	case OpCompSwap:
		dst, ok := m.h.ResolveMem(m.dst)
		if !ok || len(dst) < hdr.size {
			return fmt.Errorf("MB: bad dst address %#x for CompSwap", m.dst)
		}
		cur := readLE(region, hdr.size)
		cmp := truncate(hdr.cmpValue, hdr.size)
		if cur == cmp {
			writeLE(region, hdr.value, hdr.size)
			writeLE(dst[:hdr.size], 1, hdr.size)
		} else {
			writeLE(dst[:hdr.size], 0, hdr.size)
		}

	default:
		return fmt.Errorf("MB: handleWordOp called with non-word opcode %s", op)
	}

	return nil
}

func truncate(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (uint64(1)<<(8*size) - 1)
}

func readLE(b []byte, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func writeLE(b []byte, v uint64, size int) {
	for i := 0; i < size; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
