package proc_test

import (
	"sync"
	"testing"

	"github.com/go-delve/pctl/pkg/proc"
)

func TestSideTable(t *testing.T) {
	st := proc.NewSideTable[int, string]()
	st.Set(1, "one")
	st.Set(2, "two")
	st.Set(3, "three")

	if v, ok := st.Get(2); !ok || v != "two" {
		t.Fatalf("Get(2) = %q, %v", v, ok)
	}
	st.Delete(2)
	if _, ok := st.Get(2); ok {
		t.Fatal("Delete did not remove the entry")
	}
	st.DeleteFunc(func(k int, _ string) bool { return k > 2 })
	if st.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", st.Len())
	}
	n := 0
	st.Range(func(int, string) bool { n++; return false })
	if n != 1 {
		t.Fatalf("Range visited %d entries", n)
	}
}

func TestSideTableConcurrent(t *testing.T) {
	st := proc.NewSideTable[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				st.Set(i*100+j, j)
				st.Get(j)
			}
		}(i)
	}
	wg.Wait()
	if st.Len() != 800 {
		t.Fatalf("expected 800 entries, got %d", st.Len())
	}
}
