//go:build linux && (amd64 || arm64)

package native

import (
	"sort"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/go-delve/pctl/pkg/proc"
)

// readMappedLibraries returns the files mapped in pid other than its
// executable, one entry per file spanning all of its mappings.
func readMappedLibraries(pid int) ([]proc.Library, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return mappedLibraries(fs, pid)
}

func mappedLibraries(fs procfs.FS, pid int) ([]proc.Library, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	exe, _ := p.Executable()
	return mergeMappings(maps, exe), nil
}

// mergeMappings folds the mappings of every file into one library,
// skipping anonymous and pseudo mappings, deleted files and exe.
func mergeMappings(maps []*procfs.ProcMap, exe string) []proc.Library {
	byName := map[string]*proc.Library{}
	for _, m := range maps {
		name := m.Pathname
		if !strings.HasPrefix(name, "/") || name == exe || strings.HasSuffix(name, " (deleted)") {
			continue
		}
		base, limit := uint64(m.StartAddr), uint64(m.EndAddr)
		lib := byName[name]
		if lib == nil {
			byName[name] = &proc.Library{Name: name, Base: base, End: limit}
			continue
		}
		lib.Base = min(lib.Base, base)
		lib.End = max(lib.End, limit)
	}
	libs := make([]proc.Library, 0, len(byName))
	for _, lib := range byName {
		libs = append(libs, *lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Base < libs[j].Base })
	return libs
}
