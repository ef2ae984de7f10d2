package hostcap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFS(t *testing.T) (*FSOps, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFSOps(dir)
	if err != nil {
		t.Fatalf("NewFSOps: %v", err)
	}
	return fs, fs.Root()
}

func invoke(t *testing.T, cap *Capability, args any, result any) error {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	v, err := cap.Handler(context.Background(), Call{Args: raw})
	if err != nil {
		return err
	}
	if result != nil {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		if err := json.Unmarshal(data, result); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
	}
	return nil
}

func TestWriteThenReadFile(t *testing.T) {
	fs, _ := newTestFS(t)

	var wrote WriteFileResult
	if err := invoke(t, fs.WriteFile(), map[string]string{"path": "notes/todo.txt", "content": "ship it"}, &wrote); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if wrote.BytesWritten != len("ship it") {
		t.Fatalf("bytesWritten = %d", wrote.BytesWritten)
	}

	var read ReadFileResult
	if err := invoke(t, fs.ReadFile(), map[string]string{"path": "notes/todo.txt"}, &read); err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if read.Content != "ship it" || read.Truncated {
		t.Fatalf("read = %+v", read)
	}
}

func TestListDir(t *testing.T) {
	fs, root := newTestFS(t)
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	var listed ListDirResult
	if err := invoke(t, fs.ListDir(), map[string]string{}, &listed); err != nil {
		t.Fatalf("list_dir: %v", err)
	}
	if listed.Count != 3 {
		t.Fatalf("Count = %d, want 3", listed.Count)
	}
	// Entries come back sorted by name.
	if listed.Entries[0].Name != "a.txt" || listed.Entries[1].Name != "b.txt" || listed.Entries[2].Name != "sub" {
		t.Fatalf("entries = %+v", listed.Entries)
	}
	if !listed.Entries[2].IsDir {
		t.Fatal("sub not marked as directory")
	}
}

func TestAbsolutePathRejected(t *testing.T) {
	fs, _ := newTestFS(t)

	err := invoke(t, fs.ReadFile(), map[string]string{"path": "/etc/passwd"}, nil)
	if err == nil || !strings.Contains(err.Error(), "workspace-relative") {
		t.Fatalf("err = %v, want workspace-relative rejection", err)
	}
}

func TestDotDotStaysInsideWorkspace(t *testing.T) {
	fs, root := newTestFS(t)

	// Leading ".." segments collapse against the workspace root rather than
	// climbing out of it.
	if err := invoke(t, fs.WriteFile(), map[string]string{"path": "../../escape.txt", "content": "x"}, nil); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err != nil {
		t.Fatalf("file not materialized under the root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); err == nil {
		t.Fatal("file escaped the workspace root")
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	fs, root := newTestFS(t)

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	err := invoke(t, fs.ReadFile(), map[string]string{"path": "link/secret.txt"}, nil)
	if err == nil || !strings.Contains(err.Error(), "escapes workspace") {
		t.Fatalf("err = %v, want escape rejection", err)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	fs, _ := newTestFS(t)
	reg := NewRegistry()
	if err := fs.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if err := reg.Register(fs.ReadFile()); err == nil {
		t.Fatal("duplicate capability name accepted")
	}

	names := reg.Names()
	want := []string{"list_dir", "read_file", "write_file"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}
}

func TestCapabilitySchemas(t *testing.T) {
	fs, _ := newTestFS(t)

	for _, cap := range []*Capability{fs.ReadFile(), fs.WriteFile(), fs.ListDir()} {
		if cap.Schema == nil {
			t.Fatalf("%s: nil schema", cap.Name)
		}
		data, err := json.Marshal(cap.Schema)
		if err != nil {
			t.Fatalf("%s: marshal schema: %v", cap.Name, err)
		}
		if !strings.Contains(string(data), `"path"`) {
			t.Fatalf("%s: schema %s does not describe the path argument", cap.Name, data)
		}
	}
}
