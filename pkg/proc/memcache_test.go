package proc

import (
	"bytes"
	"testing"
)

func TestMemCache(t *testing.T) {
	const pageSize = 16
	target := make([]byte, 4*pageSize)
	for i := range target {
		target[i] = byte(i)
	}
	fetches := 0
	fetch := func(addr uint64, buf []byte) (int, error) {
		fetches++
		if addr >= uint64(len(target)) {
			return 0, nil
		}
		return copy(buf, target[addr:]), nil
	}

	mc := newMemCache(2, pageSize)
	out := make([]byte, 20)
	if err := mc.read(10, out, fetch); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, target[10:30]) || fetches != 2 {
		t.Fatalf("unexpected read %x after %d fetches", out, fetches)
	}
	if err := mc.read(20, out[:4], fetch); err != nil || fetches != 2 {
		t.Fatalf("cached page fetched again (%d fetches): %v", fetches, err)
	}

	target[20] = 0xff
	mc.invalidate(20, 1)
	if mc.len() != 1 {
		t.Fatalf("expected one page left, got %d", mc.len())
	}
	if err := mc.read(20, out[:1], fetch); err != nil || out[0] != 0xff || fetches != 3 {
		t.Fatalf("invalidated page not fetched again: %x, %v", out[0], err)
	}

	// a page beyond the end of the target cannot be cached
	if err := mc.read(uint64(len(target))-4, make([]byte, 8), fetch); err != errPageUnavailable {
		t.Fatalf("expected errPageUnavailable, got %v", err)
	}

	mc.purge()
	if mc.len() != 0 {
		t.Fatalf("purge left %d pages", mc.len())
	}
}

func TestMemCacheDisabled(t *testing.T) {
	if newMemCache(0, 4096) != nil {
		t.Fatal("zero pages should disable the cache")
	}
	if newMemCache(4, 1000) != nil {
		t.Fatal("page size must be a power of two")
	}
}
