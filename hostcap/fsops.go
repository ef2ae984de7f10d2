package hostcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pauleveritt/punie-sub003/wire"
)

// maxReadBytes caps a single read_file result.
const maxReadBytes = 1 << 20

// FSOps provides workspace-rooted file capabilities. Paths are resolved
// against the workspace root and may not escape it, even through symlinks.
type FSOps struct {
	root string // absolute, symlink-evaluated
}

// NewFSOps constructs file capabilities rooted at dir.
func NewFSOps(dir string) (*FSOps, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &FSOps{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (f *FSOps) Root() string { return f.root }

// RegisterAll adds read_file, write_file, and list_dir to reg.
func (f *FSOps) RegisterAll(reg *Registry) error {
	for _, c := range []*Capability{f.ReadFile(), f.WriteFile(), f.ListDir()} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=Workspace-relative file path"`
}

// ReadFileResult is the structured result of read_file.
type ReadFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// ReadFile returns the read_file capability.
func (f *FSOps) ReadFile() *Capability {
	return &Capability{
		Name:   "read_file",
		Title:  "Read file",
		Kind:   wire.ToolKindRead,
		Schema: SchemaFor[readFileArgs](),
		Handler: func(ctx context.Context, call Call) (any, error) {
			var args readFileArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			p, err := f.resolve(args.Path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(p)
			if err != nil {
				return nil, err
			}
			fh, err := os.Open(p)
			if err != nil {
				return nil, err
			}
			defer fh.Close()
			buf := make([]byte, maxReadBytes+1)
			n, err := readFull(fh, buf)
			if err != nil {
				return nil, err
			}
			truncated := n > maxReadBytes
			if truncated {
				n = maxReadBytes
			}
			return &ReadFileResult{
				Path:      args.Path,
				Content:   string(buf[:n]),
				Size:      info.Size(),
				Truncated: truncated,
			}, nil
		},
	}
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Workspace-relative file path"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

// WriteFileResult is the structured result of write_file.
type WriteFileResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
}

// WriteFile returns the write_file capability.
func (f *FSOps) WriteFile() *Capability {
	return &Capability{
		Name:   "write_file",
		Title:  "Write file",
		Kind:   wire.ToolKindWrite,
		Schema: SchemaFor[writeFileArgs](),
		Handler: func(ctx context.Context, call Call) (any, error) {
			var args writeFileArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			p, err := f.resolve(args.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(p, []byte(args.Content), 0o644); err != nil {
				return nil, err
			}
			return &WriteFileResult{Path: args.Path, BytesWritten: len(args.Content)}, nil
		},
	}
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Workspace-relative directory path; defaults to the root"`
}

// DirEntry is one entry of a list_dir result.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// ListDirResult is the structured result of list_dir.
type ListDirResult struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
	Count   int        `json:"count"`
}

// ListDir returns the list_dir capability.
func (f *FSOps) ListDir() *Capability {
	return &Capability{
		Name:   "list_dir",
		Title:  "List directory",
		Kind:   wire.ToolKindRead,
		Schema: SchemaFor[listDirArgs](),
		Handler: func(ctx context.Context, call Call) (any, error) {
			var args listDirArgs
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &args); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			p, err := f.resolve(args.Path)
			if err != nil {
				return nil, err
			}
			ents, err := os.ReadDir(p)
			if err != nil {
				return nil, err
			}
			out := make([]DirEntry, 0, len(ents))
			for _, e := range ents {
				var size int64
				if info, err := e.Info(); err == nil {
					size = info.Size()
				}
				out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
			return &ListDirResult{Path: args.Path, Entries: out, Count: len(out)}, nil
		},
	}
}

// resolve maps a workspace-relative path onto the real filesystem, rejecting
// escapes. Symlinks inside the workspace are followed and the final location
// must still fall under the root.
func (f *FSOps) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be workspace-relative: %q", rel)
	}
	clean := filepath.Clean("/" + rel) // collapses any ".." against a fake root
	p := filepath.Join(f.root, clean)

	// Evaluate the deepest existing ancestor so symlinked parents cannot
	// smuggle the target outside the root.
	probe := p
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if resolved != f.root && !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) {
				return "", fmt.Errorf("path escapes workspace: %q", rel)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return p, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	n, err := io.ReadFull(f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}
