package proc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/derekparker/trie"
)

// Library is a file mapped into the address space of a process.
type Library struct {
	Name string
	Base uint64
	End  uint64
}

// Contains reports whether addr falls inside the library.
func (l *Library) Contains(addr uint64) bool {
	return addr >= l.Base && addr < l.End
}

func (l *Library) String() string {
	return fmt.Sprintf("%#016x-%#016x %s", l.Base, l.End, l.Name)
}

// LibrarySet is the set of libraries currently loaded in a process, keyed
// by name.
type LibrarySet struct {
	mu     sync.RWMutex
	byName map[string]*Library
	names  *trie.Trie
}

// NewLibrarySet returns an empty set.
func NewLibrarySet() *LibrarySet {
	return &LibrarySet{byName: make(map[string]*Library), names: trie.New()}
}

// Len returns the number of libraries in the set.
func (ls *LibrarySet) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.byName)
}

// List returns the libraries sorted by load address.
func (ls *LibrarySet) List() []*Library {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	r := make([]*Library, 0, len(ls.byName))
	for _, l := range ls.byName {
		r = append(r, l)
	}
	sortLibraries(r)
	return r
}

// Find returns the library with the given name.
func (ls *LibrarySet) Find(name string) *Library {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.byName[name]
}

// FindAddr returns the library containing addr.
func (ls *LibrarySet) FindAddr(addr uint64) *Library {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, l := range ls.byName {
		if l.Contains(addr) {
			return l
		}
	}
	return nil
}

// PrefixSearch returns the libraries whose name starts with prefix.
func (ls *LibrarySet) PrefixSearch(prefix string) []*Library {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	var r []*Library
	// the trie keeps the nodes of removed names, byName is authoritative
	for _, name := range ls.names.PrefixSearch(prefix) {
		if l, ok := ls.byName[name]; ok {
			r = append(r, l)
		}
	}
	sortLibraries(r)
	return r
}

// Reconcile replaces the contents of the set with live and reports what
// changed. A library whose load address changed is reported both as removed
// and as added.
func (ls *LibrarySet) Reconcile(live []Library) (added, removed []*Library) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	seen := make(map[string]bool, len(live))
	for i := range live {
		cur := live[i]
		if seen[cur.Name] {
			continue
		}
		seen[cur.Name] = true
		old, ok := ls.byName[cur.Name]
		if ok && old.Base == cur.Base {
			old.End = cur.End
			continue
		}
		if ok {
			removed = append(removed, old)
			ls.names.Remove(old.Name)
		}
		l := &Library{Name: cur.Name, Base: cur.Base, End: cur.End}
		ls.byName[l.Name] = l
		ls.names.Add(l.Name, l)
		added = append(added, l)
	}
	for name, old := range ls.byName {
		if !seen[name] {
			removed = append(removed, old)
			delete(ls.byName, name)
			ls.names.Remove(name)
		}
	}
	sortLibraries(added)
	sortLibraries(removed)
	return added, removed
}

func (ls *LibrarySet) clear() []*Library {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	r := make([]*Library, 0, len(ls.byName))
	for _, l := range ls.byName {
		r = append(r, l)
	}
	ls.byName = make(map[string]*Library)
	ls.names = trie.New()
	sortLibraries(r)
	return r
}

func sortLibraries(libs []*Library) {
	sort.Slice(libs, func(i, j int) bool {
		if libs[i].Base != libs[j].Base {
			return libs[i].Base < libs[j].Base
		}
		return libs[i].Name < libs[j].Name
	})
}
