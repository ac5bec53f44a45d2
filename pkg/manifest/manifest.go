// Package manifest expands the paths a participant wants to share into the
// list of regular files that will be offered in the call.
package manifest

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FileItem is one regular file of a selection.
type FileItem struct {
	RelPath string // name shown to the other participants, forward slashes
	Path    string // absolute path on disk
	Size    int64
	ModTime int64 // Unix seconds
	ID      string
}

// Manifest is a deterministic snapshot of a selection of files.
type Manifest struct {
	Items      []FileItem // sorted by RelPath
	TotalBytes int64
}

// ScanPaths expands files and directories into a manifest of regular files.
// Directory contents keep the directory name as prefix. Paths with the same
// base name are disambiguated with an ordinal prefix (1_, 2_, ...) in argument order.
// Missing paths fail the scan; unreadable entries are skipped and reported in
// the returned error alongside a usable manifest.
func ScanPaths(paths []string) (Manifest, error) {
	if len(paths) == 0 {
		return Manifest{}, errors.New("no paths provided")
	}

	type root struct {
		abs  string
		base string
		info fs.FileInfo
	}
	roots := make([]root, 0, len(paths))
	baseCount := make(map[string]int)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return Manifest{}, fmt.Errorf("cannot get absolute path for %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return Manifest{}, fmt.Errorf("path does not exist: %s", p)
			}
			return Manifest{}, fmt.Errorf("cannot access path %s: %w", p, err)
		}
		base := filepath.Base(abs)
		if base == string(filepath.Separator) {
			base = "root"
		}
		roots = append(roots, root{abs: abs, base: base, info: info})
		baseCount[base]++
	}

	var (
		m          Manifest
		scanErrors []error
		seen       = make(map[string]int)
	)
	for _, r := range roots {
		name := r.base
		if baseCount[r.base] > 1 {
			seen[r.base]++
			name = fmt.Sprintf("%d_%s", seen[r.base], r.base)
		}

		if !r.info.IsDir() {
			if r.info.Mode().IsRegular() {
				m.add(name, r.abs, r.info)
			}
			continue
		}

		err := filepath.WalkDir(r.abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				scanErrors = append(scanErrors, fmt.Errorf("cannot read %s: %w", path, err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				scanErrors = append(scanErrors, fmt.Errorf("cannot get info for %s: %w", path, err))
				return nil
			}
			rel, err := filepath.Rel(r.abs, path)
			if err != nil {
				return fmt.Errorf("cannot compute relative path: %w", err)
			}
			m.add(name+"/"+filepath.ToSlash(rel), path, info)
			return nil
		})
		if err != nil {
			scanErrors = append(scanErrors, fmt.Errorf("error walking directory %s: %w", r.abs, err))
		}
	}

	sort.Slice(m.Items, func(i, j int) bool { return m.Items[i].RelPath < m.Items[j].RelPath })

	if len(scanErrors) > 0 {
		return m, fmt.Errorf("scan completed with %d error(s): %w", len(scanErrors), errors.Join(scanErrors...))
	}
	return m, nil
}

func (m *Manifest) add(rel, abs string, info fs.FileInfo) {
	item := FileItem{
		RelPath: rel,
		Path:    abs,
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
	}
	item.ID = computeID(item)
	m.Items = append(m.Items, item)
	m.TotalBytes += item.Size
}

// computeID is the FNV-1a 64-bit hash of RelPath|Size|ModTime as 16 hex characters.
func computeID(item FileItem) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", item.RelPath, item.Size, item.ModTime)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Sum64())
	return hex.EncodeToString(buf)
}
