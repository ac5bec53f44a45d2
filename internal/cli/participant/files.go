package participant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sheerbytes/callfiles/internal/transfer"
	"github.com/sheerbytes/callfiles/pkg/manifest"
)

// loadFile reads a manifest item into a transfer payload. The MIME type is sniffed.
func loadFile(item manifest.FileItem) (transfer.File, error) {
	data, err := os.ReadFile(item.Path)
	if err != nil {
		return transfer.File{}, fmt.Errorf("read %s: %w", item.RelPath, err)
	}
	return transfer.File{
		Name:     item.RelPath,
		MimeType: mimetype.Detect(data).String(),
		Data:     data,
	}, nil
}

// saveFile writes a received payload under dir and returns the path it used.
// Only the base name of the sender's file name is kept; an existing file is never
// overwritten, a numeric suffix is added instead.
func saveFile(dir, name string, data []byte) (string, error) {
	base := safeName(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	for i := 0; i < 1000; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s", base)
}

func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "file"
	}
	return base
}
