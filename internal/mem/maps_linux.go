package mem

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Region is one mapping from /proc/self/maps.
type Region struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Prot converts the textual permission field to PROT_* bits.
func (r *Region) Prot() int {
	prot := ProtNone
	if strings.HasPrefix(r.Perms, "r") {
		prot |= ProtRead
	}
	if len(r.Perms) > 1 && r.Perms[1] == 'w' {
		prot |= ProtWrite
	}
	if len(r.Perms) > 2 && r.Perms[2] == 'x' {
		prot |= ProtExec
	}
	return prot
}

// ErrMaps is wrapped by /proc/self/maps parse failures.
var ErrMaps = errors.New("cannot parse /proc/self/maps")

// Regions parses the current process mappings.
func Regions() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaps, err)
	}
	defer f.Close()

	var regions []Region
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		var r Region
		var dev string
		var inode uint64
		n, err := fmt.Sscanf(line, "%x-%x %4s %x %s %d", &r.Start, &r.End, &r.Perms, &r.Offset, &dev, &inode)
		if err != nil || n < 6 {
			continue
		}
		if idx := strings.IndexByte(line, '/'); idx >= 0 {
			r.Path = line[idx:]
		} else if idx := strings.IndexByte(line, '['); idx >= 0 {
			r.Path = line[idx:]
		}
		regions = append(regions, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaps, err)
	}
	return regions, nil
}

// FindRegion returns the mapping containing addr.
func FindRegion(addr uint64) (Region, bool) {
	regions, err := Regions()
	if err != nil {
		return Region{}, false
	}
	for _, r := range regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// FindByPath returns the lowest-based mapping whose path contains substr.
func FindByPath(substr string) (Region, bool) {
	regions, err := Regions()
	if err != nil || substr == "" {
		return Region{}, false
	}
	var best Region
	found := false
	for _, r := range regions {
		if r.Path == "" || !strings.Contains(r.Path, substr) {
			continue
		}
		if !found || r.Start < best.Start {
			best = r
			found = true
		}
	}
	return best, found
}
