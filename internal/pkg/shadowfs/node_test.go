package shadowfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/linkdata/jail/internal/pkg/policy"
	"golang.org/x/sys/unix"
)

func newTestTree(t *testing.T) (*Tree, string) {
	t.Helper()
	base := t.TempDir()
	pol := policy.New()
	pol.SetWritablePath(`^/.*$`)
	return NewTree(base, pol), base
}

func TestMkdirIdempotent(t *testing.T) {
	tree, base := newTestTree(t)
	// Mkdir creates only the leaf, so the parent must already exist.
	if err := os.Mkdir(filepath.Join(base, "a"), 0o750); err != nil {
		t.Fatal(err)
	}
	n1, err := tree.Root().Mkdir("/a/b", 0o750, -1, -1)
	if err != nil {
		t.Fatal(err)
	}
	if !n1.IsDir() {
		t.Fatal("expected directory node")
	}
	if _, err := os.Stat(filepath.Join(base, "a", "b")); err != nil {
		t.Fatalf("expected real directory on disk: %v", err)
	}

	calls := tree.Counters.StatCalls
	n2, err := tree.Root().Mkdir("/a/b", 0o750, -1, -1)
	if err != nil {
		t.Fatal(err)
	}
	if n2 != n1 {
		t.Fatal("expected the same cached node on second mkdir")
	}
	if tree.Counters.StatCalls != calls {
		t.Fatalf("expected zero additional lstat calls on idempotent mkdir, got %d new", tree.Counters.StatCalls-calls)
	}
}

func TestMkdirRejectsNonDirectory(t *testing.T) {
	tree, base := newTestTree(t)
	if err := os.WriteFile(filepath.Join(base, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Root().Mkdir("/f", 0o750, -1, -1); err == nil {
		t.Fatal("expected FormatMismatch when mkdir targets an existing regular file")
	}
}

func TestSymlinkCreateAndValidate(t *testing.T) {
	tree, base := newTestTree(t)
	if _, err := tree.Root().Symlink("/etc/hostname", "/link"); err != nil {
		t.Fatal(err)
	}
	got, err := os.Readlink(filepath.Join(base, "link"))
	if err != nil || got != "/etc/hostname" {
		t.Fatalf("readlink = %q, %v", got, err)
	}
	if _, err := tree.Root().Symlink("/etc/hostname", "/link"); err != nil {
		t.Fatalf("re-creating identical symlink should be a no-op: %v", err)
	}
	if _, err := tree.Root().Symlink("/other", "/link"); err == nil {
		t.Fatal("expected FormatMismatch when symlink target disagrees")
	}
}

func TestCopyDataAndCheckCache(t *testing.T) {
	srcTree, srcBase := newTestTree(t)
	dstTree, _ := newTestTree(t)
	content := []byte("hello world")
	if err := os.WriteFile(filepath.Join(srcBase, "f"), content, 0o640); err != nil {
		t.Fatal(err)
	}
	src, err := srcTree.Root().Lookup("/f", 0)
	if err != nil || src == nil {
		t.Fatalf("lookup src: %v", err)
	}
	dst, err := dstTree.Root().Lookup("/f", unix.S_IFREG)
	if err != nil {
		t.Fatal(err)
	}
	n, err := src.CopyData(dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(content)) {
		t.Fatalf("copied %d bytes, want %d", n, len(content))
	}
	if err := dst.CheckCache(); err != nil {
		t.Fatalf("check-cache after successful copy should hold: %v", err)
	}
}

func TestRmRfGuardsNearRoot(t *testing.T) {
	tree, _ := newTestTree(t)
	if _, err := tree.Root().Makedirs("/a/b/c", 0o750); err != nil {
		t.Fatal(err)
	}
	if err := tree.Root().RmRf("/a"); err == nil {
		t.Fatal("expected refusal for a <=2-slash path")
	}
	if err := tree.Root().RmRf("/a/b/c"); err != nil {
		t.Fatalf("3-slash path should be allowed: %v", err)
	}
}

func TestRmRfRecursesThenVanishes(t *testing.T) {
	tree, base := newTestTree(t)
	if _, err := tree.Root().Makedirs("/a/b/c", 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "a", "b", "c", "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tree.Root().RmRf("/a/b/c"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "a", "b", "c")); !os.IsNotExist(err) {
		t.Fatalf("expected /a/b/c to be gone, got %v", err)
	}
}

func TestListDirUnion(t *testing.T) {
	tree, base := newTestTree(t)
	if err := os.Mkdir(filepath.Join(base, "d"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "d", "x"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	dir, err := tree.Root().Lookup("/d", 0)
	if err != nil || dir == nil {
		t.Fatalf("lookup: %v", err)
	}
	// materialize an in-memory-only planned child that doesn't exist on disk
	dir.ensureChild("planned-only")
	names, err := dir.ListDir()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"x": true, "planned-only": true}
	if len(names) != len(want) {
		t.Fatalf("ListDir() = %v, want union with %v", names, want)
	}
}

func TestCompareOrderNonExistentSortsAfter(t *testing.T) {
	tree, base := newTestTree(t)
	if err := os.WriteFile(filepath.Join(base, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	existing, _ := tree.Root().Lookup("/f", 0)
	missing, _ := tree.Root().Lookup("/missing", 0)
	if missing == nil {
		missing, _ = tree.Root().GetDefault("/missing", unix.S_IFREG)
	}
	if CompareOrder(existing, missing) >= 0 {
		t.Fatal("existing node should sort before a non-existent one")
	}
}
