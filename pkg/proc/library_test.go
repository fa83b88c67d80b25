package proc_test

import (
	"testing"

	"github.com/go-delve/pctl/pkg/proc"
)

func libNames(libs []*proc.Library) []string {
	r := make([]string, len(libs))
	for i, l := range libs {
		r[i] = l.Name
	}
	return r
}

func TestLibrarySetReconcile(t *testing.T) {
	ls := proc.NewLibrarySet()
	added, removed := ls.Reconcile([]proc.Library{
		{Name: "/lib/libc.so.6", Base: 0x7000, End: 0x8000},
		{Name: "/lib/libpthread.so.0", Base: 0x5000, End: 0x6000},
	})
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("unexpected changes %v %v", added, removed)
	}
	if names := libNames(ls.List()); names[0] != "/lib/libpthread.so.0" {
		t.Fatalf("List not sorted by base: %v", names)
	}

	// same list, no changes
	added, removed = ls.Reconcile([]proc.Library{
		{Name: "/lib/libc.so.6", Base: 0x7000, End: 0x8000},
		{Name: "/lib/libpthread.so.0", Base: 0x5000, End: 0x6000},
	})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("unexpected changes %v %v", added, removed)
	}

	// libc reloaded elsewhere, libpthread unloaded, libm loaded
	added, removed = ls.Reconcile([]proc.Library{
		{Name: "/lib/libc.so.6", Base: 0x9000, End: 0xa000},
		{Name: "/lib/libm.so.6", Base: 0x3000, End: 0x4000},
	})
	if got := libNames(added); len(got) != 2 || got[0] != "/lib/libm.so.6" || got[1] != "/lib/libc.so.6" {
		t.Fatalf("unexpected added %v", got)
	}
	if got := libNames(removed); len(got) != 2 || got[0] != "/lib/libpthread.so.0" || got[1] != "/lib/libc.so.6" {
		t.Fatalf("unexpected removed %v", got)
	}
	if ls.Len() != 2 {
		t.Fatalf("expected 2 libraries, got %d", ls.Len())
	}
	if l := ls.FindAddr(0x9800); l == nil || l.Name != "/lib/libc.so.6" {
		t.Fatalf("FindAddr: %v", l)
	}
	if l := ls.FindAddr(0x7800); l != nil {
		t.Fatalf("FindAddr found stale mapping %v", l)
	}
}

func TestLibrarySetPrefixSearch(t *testing.T) {
	ls := proc.NewLibrarySet()
	ls.Reconcile([]proc.Library{
		{Name: "/usr/lib/libssl.so.3", Base: 0x1000, End: 0x2000},
		{Name: "/usr/lib/libcrypto.so.3", Base: 0x3000, End: 0x4000},
		{Name: "/lib/libc.so.6", Base: 0x5000, End: 0x6000},
	})
	if got := libNames(ls.PrefixSearch("/usr/lib/")); len(got) != 2 || got[0] != "/usr/lib/libssl.so.3" {
		t.Fatalf("unexpected prefix search result %v", got)
	}
	if got := ls.PrefixSearch("/opt"); len(got) != 0 {
		t.Fatalf("unexpected prefix search result %v", got)
	}
	ls.Reconcile([]proc.Library{{Name: "/usr/lib/libssl.so.3", Base: 0x1000, End: 0x2000}})
	if got := libNames(ls.PrefixSearch("/usr/lib/")); len(got) != 1 || got[0] != "/usr/lib/libssl.so.3" {
		t.Fatalf("unloaded library still found: %v", got)
	}
	ls.Reconcile(nil)
	if got := ls.PrefixSearch("/"); len(got) != 0 {
		t.Fatalf("removed libraries still found: %v", libNames(got))
	}
	if got := ls.PrefixSearch("/lib/"); len(got) != 0 {
		t.Fatalf("removed libraries still found: %v", libNames(got))
	}
}
