package proc

import (
	"errors"

	lru "github.com/hashicorp/golang-lru"
)

var errPageUnavailable = errors.New("page unavailable")

// memCache keeps whole target pages read while a process is stopped. It is
// purged whenever any thread of the process is resumed or stepped.
type memCache struct {
	pageSize uint64
	pages    *lru.Cache
}

func newMemCache(pages, pageSize int) *memCache {
	if pages <= 0 || pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil
	}
	c, err := lru.New(pages)
	if err != nil {
		return nil
	}
	return &memCache{pageSize: uint64(pageSize), pages: c}
}

// read fills out from cached pages, fetching missing pages in full. It
// returns errPageUnavailable if a page could not be fetched whole, in which
// case the caller reads the target directly.
func (mc *memCache) read(addr uint64, out []byte, fetch func(addr uint64, buf []byte) (int, error)) error {
	for off := 0; off < len(out); {
		a := addr + uint64(off)
		page := a &^ (mc.pageSize - 1)
		var data []byte
		if v, ok := mc.pages.Get(page); ok {
			data = v.([]byte)
		} else {
			buf := make([]byte, mc.pageSize)
			n, err := fetch(page, buf)
			if err != nil || n != len(buf) {
				return errPageUnavailable
			}
			mc.pages.Add(page, buf)
			data = buf
		}
		off += copy(out[off:], data[a-page:])
	}
	return nil
}

// invalidate drops the pages overlapping [addr, addr+size).
func (mc *memCache) invalidate(addr uint64, size int) {
	if size <= 0 {
		return
	}
	first := addr &^ (mc.pageSize - 1)
	last := (addr + uint64(size) - 1) &^ (mc.pageSize - 1)
	for page := first; page <= last; page += mc.pageSize {
		mc.pages.Remove(page)
		if page+mc.pageSize < page {
			break
		}
	}
}

func (mc *memCache) purge() {
	mc.pages.Purge()
}

func (mc *memCache) len() int {
	return mc.pages.Len()
}
