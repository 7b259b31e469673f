//go:build linux

// File: internal/engine/bufferpool_test.go
// Author: momentics <momentics@gmail.com>

package engine

import "testing"

func TestBufferPoolLeaseRelease(t *testing.T) {
	p, err := NewFixedBufferPool(4, 4096)
	if err != nil {
		t.Fatalf("NewFixedBufferPool: %v", err)
	}
	defer p.Close()

	a := p.Lease()
	b := p.Lease()
	if a < 0 || b < 0 || a == b {
		t.Fatalf("leases a=%d b=%d", a, b)
	}
	if p.InUse() != 2 {
		t.Fatalf("InUse = %d, want 2", p.InUse())
	}

	// Reclaim is LIFO: the most recently released index is leased next.
	p.Release(a)
	if got := p.Lease(); got != a {
		t.Fatalf("Lease after Release(%d) = %d, want %d", a, got, a)
	}
}

func TestBufferPoolExhaustion(t *testing.T) {
	p, err := NewFixedBufferPool(2, 4096)
	if err != nil {
		t.Fatalf("NewFixedBufferPool: %v", err)
	}
	defer p.Close()

	a, b := p.Lease(), p.Lease()
	if p.Lease() != -1 {
		t.Fatal("exhausted pool did not return -1")
	}
	p.Release(b)
	if p.Lease() != b {
		t.Fatal("freed index not reusable")
	}
	_ = a
}

func TestBufferPoolDoubleReleaseIgnored(t *testing.T) {
	p, err := NewFixedBufferPool(3, 4096)
	if err != nil {
		t.Fatalf("NewFixedBufferPool: %v", err)
	}
	defer p.Close()

	a := p.Lease()
	p.Release(a)
	p.Release(a) // second return of the same index must be a no-op
	p.Release(-1)
	p.Release(99)

	seen := make(map[int32]bool)
	for i := 0; i < 3; i++ {
		idx := p.Lease()
		if idx < 0 {
			t.Fatalf("lease %d failed; double release corrupted the stack", i)
		}
		if seen[idx] {
			t.Fatalf("index %d leased twice", idx)
		}
		seen[idx] = true
	}
	if p.Lease() != -1 {
		t.Fatal("pool handed out more indices than it owns")
	}
}

// The conservation invariant: free + leased always equals the pool size.
func TestBufferPoolConservation(t *testing.T) {
	const n = 8
	p, err := NewFixedBufferPool(n, 4096)
	if err != nil {
		t.Fatalf("NewFixedBufferPool: %v", err)
	}
	defer p.Close()

	var held []int32
	seed := uint64(42)
	for i := 0; i < 10000; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		if seed&1 == 0 {
			if idx := p.Lease(); idx >= 0 {
				held = append(held, idx)
			}
		} else if len(held) > 0 {
			p.Release(held[len(held)-1])
			held = held[:len(held)-1]
		}
		if len(p.free)+len(held) != n {
			t.Fatalf("op %d: free=%d held=%d, want sum %d", i, len(p.free), len(held), n)
		}
		if p.InUse() != len(held) {
			t.Fatalf("op %d: InUse=%d held=%d", i, p.InUse(), len(held))
		}
	}
}

func TestBufferPoolBytesDisjoint(t *testing.T) {
	p, err := NewFixedBufferPool(2, 4096)
	if err != nil {
		t.Fatalf("NewFixedBufferPool: %v", err)
	}
	defer p.Close()

	a, b := p.Lease(), p.Lease()
	ba, bb := p.Bytes(a), p.Bytes(b)
	ba[0] = 0xAA
	bb[0] = 0xBB
	if ba[0] != 0xAA || bb[0] != 0xBB {
		t.Fatal("buffer regions overlap")
	}
	if len(ba)%pageSize != 0 {
		t.Fatalf("region size %d not page aligned", len(ba))
	}
}
