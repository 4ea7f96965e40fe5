// Package host models the simulator-facing surface that the PFA and
// memory-blade devices are built against: a way to resolve a guest
// physical address into a direct view of simulator-backed memory, and a
// way to ask the simulator to flush a CPU's TLB.
//
// The simulator proper, its MMU walk, and its vCPU stepping loop are all
// external collaborators and are not modeled here beyond this contract.
package host

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Host is the facade devices hold a reference to at construction time.
// ResolveMem returns a byte slice anchored at paddr, extending to the end
// of the backing arena; callers that know how many bytes they need slice
// it down themselves. The returned slice aliases simulator memory and
// must not be retained past the call that obtained it.
type Host interface {
	ResolveMem(paddr uint64) ([]byte, bool)
	FlushTLB(cpuID int)
}

// SimHost is a minimal Host backed by an anonymous mmap arena, standing
// in for the simulator's guest physical memory. It is the Host every
// device test in this module is exercised against.
type SimHost struct {
	mem []byte
}

// NewSimHost allocates a zeroed arena of size bytes to act as guest
// physical memory.
func NewSimHost(size int) (*SimHost, error) {
	if size <= 0 {
		return nil, fmt.Errorf("host: invalid arena size %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("host: failed to mmap guest memory: %w", err)
	}
	return &SimHost{mem: mem}, nil
}

// Close releases the backing arena. A SimHost must not be used after Close.
func (h *SimHost) Close() error {
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}

// ResolveMem returns the arena starting at paddr, or false if paddr lies
// outside the arena.
func (h *SimHost) ResolveMem(paddr uint64) ([]byte, bool) {
	if paddr >= uint64(len(h.mem)) {
		return nil, false
	}
	return h.mem[paddr:], true
}

// FlushTLB is a no-op kept for interface compatibility; neither the PFA
// nor the memory blade calls it.
func (h *SimHost) FlushTLB(cpuID int) {}

// Size reports the arena's total length, mainly useful in tests.
func (h *SimHost) Size() int {
	return len(h.mem)
}
