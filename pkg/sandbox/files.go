package sandbox

import (
	"archive/zip"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

func init() {
	// Register a level-6 deflate compressor for zip streaming.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, 6)
	})
}

// EntryType distinguishes files from directories in a listing.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "directory"
)

// Stat is the sentinel result of a stat(p) call: exists=false instead of an
// error when the path is simply absent.
type Stat struct {
	Exists bool      `json:"exists"`
	Type   EntryType `json:"type,omitempty"`
	Size   int64     `json:"size,omitempty"`
	Mtime  time.Time `json:"mtime,omitempty"`
}

// Entry is one row of a directory listing.
type Entry struct {
	Name string    `json:"name"`
	Type EntryType `json:"type"`
	Size *int64    `json:"size,omitempty"`
}

// Listing is the response body of listDetailed.
type Listing struct {
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Entries []Entry   `json:"entries"`
}

// FileOps covers read/write/append/mkdir/delete/stat/list/zip, all
// operating on paths resolved through a Resolver. It is a plain operation
// layer with no transport awareness; the HTTP and MCP facades both call
// into it.
type FileOps struct {
	resolver *Resolver
}

// NewFileOps builds a FileOps over the given Resolver.
func NewFileOps(resolver *Resolver) *FileOps {
	return &FileOps{resolver: resolver}
}

// StatPath implements stat(p)->{type, size?, mtime, exists}.
func (f *FileOps) StatPath(p string) (Stat, error) {
	abs, err := f.resolver.Resolve(p)
	if err != nil {
		return Stat{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{Exists: false}, nil
		}
		return Stat{}, fmt.Errorf("stat %q: %w", p, err)
	}
	st := Stat{Exists: true, Size: info.Size(), Mtime: info.ModTime()}
	if info.IsDir() {
		st.Type = EntryDir
	} else {
		st.Type = EntryFile
	}
	return st, nil
}

// ReadBinary implements readBinary(p)->{bytes, size, mimeType}.
func (f *FileOps) ReadBinary(p string) ([]byte, string, error) {
	abs, err := f.resolver.ResolveExisting(p)
	if err != nil {
		return nil, "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", newOpError(ErrNotFound, "path %q does not exist", p)
		}
		return nil, "", fmt.Errorf("stat %q: %w", p, err)
	}
	if info.IsDir() {
		return nil, "", newOpError(ErrValidation, "path %q is a directory, not a file", p)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", fmt.Errorf("read %q: %w", p, err)
	}
	return data, mimeTypeFor(abs), nil
}

func mimeTypeFor(abs string) string {
	ct := mime.TypeByExtension(filepath.Ext(abs))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct
}

// WriteBinary implements writeText/writeBinary(p, bytes, mode?): creates
// parent directories recursively, truncate-replaces, applies mode if given,
// and returns the final byte length.
func (f *FileOps) WriteBinary(p string, data []byte, mode os.FileMode) (int64, string, error) {
	abs, err := f.resolver.Resolve(p)
	if err != nil {
		return 0, "", err
	}
	if abs == f.resolver.Root() {
		return 0, "", newOpError(ErrValidation, "cannot write to sandbox root")
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, "", fmt.Errorf("mkdir parents for %q: %w", p, err)
	}

	perm := os.FileMode(0o644)
	if mode != 0 {
		perm = mode
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		return 0, "", fmt.Errorf("write %q: %w", p, err)
	}
	if mode != 0 {
		if err := os.Chmod(abs, mode); err != nil {
			return 0, "", fmt.Errorf("chmod %q: %w", p, err)
		}
	}
	return int64(len(data)), abs, nil
}

// AppendBinary implements appendBinary(p, bytes): create-if-missing
// (including parents), return the new file length.
func (f *FileOps) AppendBinary(p string, data []byte) (int64, string, error) {
	abs, err := f.resolver.Resolve(p)
	if err != nil {
		return 0, "", err
	}
	if abs == f.resolver.Root() {
		return 0, "", newOpError(ErrValidation, "cannot append to sandbox root")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, "", fmt.Errorf("mkdir parents for %q: %w", p, err)
	}

	file, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("open %q for append: %w", p, err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return 0, "", fmt.Errorf("append to %q: %w", p, err)
	}
	info, err := file.Stat()
	if err != nil {
		return 0, "", fmt.Errorf("stat %q after append: %w", p, err)
	}
	return info.Size(), abs, nil
}

// Mkdir implements mkdir(p): recursive, idempotent.
func (f *FileOps) Mkdir(p string) (string, error) {
	abs, err := f.resolver.Resolve(p)
	if err != nil {
		return "", err
	}
	if abs == f.resolver.Root() {
		return "", newOpError(ErrValidation, "cannot mkdir the sandbox root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", p, err)
	}
	return abs, nil
}

// Delete implements delete(p, recursive).
func (f *FileOps) Delete(p string, recursive bool) (string, error) {
	abs, err := f.resolver.ResolveExisting(p)
	if err != nil {
		return "", err
	}
	if abs == f.resolver.Root() {
		return "", newOpError(ErrValidation, "cannot delete the sandbox root")
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", newOpError(ErrNotFound, "path %q does not exist", p)
		}
		return "", fmt.Errorf("stat %q: %w", p, err)
	}

	if !info.IsDir() {
		if err := os.Remove(abs); err != nil {
			return "", fmt.Errorf("remove %q: %w", p, err)
		}
		return abs, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("read dir %q: %w", p, err)
	}
	if len(entries) > 0 && !recursive {
		return "", newOpError(ErrDirNotEmpty, "directory %q is not empty", p)
	}
	if err := os.RemoveAll(abs); err != nil {
		return "", fmt.Errorf("remove %q: %w", p, err)
	}
	return abs, nil
}

// ListDetailed implements listDetailed(p): enumerate entries, attempting
// stat per-entry (size omitted, never abort, on per-entry failure), sorted
// case-insensitively by name.
func (f *FileOps) ListDetailed(p string) (Listing, error) {
	abs, err := f.resolver.ResolveExisting(p)
	if err != nil {
		return Listing{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Listing{}, newOpError(ErrNotFound, "path %q does not exist", p)
		}
		return Listing{}, fmt.Errorf("stat %q: %w", p, err)
	}
	if !info.IsDir() {
		return Listing{}, newOpError(ErrValidation, "path %q is not a directory", p)
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return Listing{}, fmt.Errorf("read dir %q: %w", p, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entryType := EntryFile
		if de.IsDir() {
			entryType = EntryDir
		}
		e := Entry{Name: de.Name(), Type: entryType}
		if !de.IsDir() {
			if stat, err := de.Info(); err == nil {
				size := stat.Size()
				e.Size = &size
			}
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	return Listing{Path: p, Type: EntryDir, Entries: entries}, nil
}

// ZipDirectory streams a zip archive of p's contents (entries relative to
// p) to w, zlib deflate level 6 (registered in init()).
func (f *FileOps) ZipDirectory(p string, w io.Writer) error {
	abs, err := f.resolver.ResolveExisting(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %q: %w", p, err)
	}
	if !info.IsDir() {
		return newOpError(ErrValidation, "path %q is not a directory", p)
	}

	zw := zip.NewWriter(w)
	defer zw.Close()

	return filepath.Walk(abs, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == abs {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if fi.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}

		entryWriter, err := zw.Create(rel)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entryWriter, src)
		return err
	})
}
