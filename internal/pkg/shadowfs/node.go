// Package shadowfs implements ShadowNode: a cached, mutation-tracking
// mirror of lstat(2) results organized as a tree with symlink edges. Every
// mutating filesystem operation the jail-construction engine performs is
// routed through a Node so that a subsequent "--test" dry run can compute
// the same tree purely from cache, and so a second real run against an
// already-converged jail issues zero redundant syscalls.
package shadowfs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linkdata/jail/internal/pkg/policy"
	"github.com/linkdata/jail/pkg/jailerr"
)

// Node is one filesystem entry, existing or merely planned, exclusively
// owned by its parent. The root of a Tree has no parent.
type Node struct {
	tree     *Tree
	parent   *Node
	name     string
	children map[string]*Node
	target   *string // non-nil iff this is a symlink
	stat     Stat
	planned  uint32 // file-type bits for a not-yet-created placeholder
}

// Tree roots a shadow filesystem at Base on the real filesystem; the root
// Node's logical path is always "/" regardless of Base, per the data
// model's invariant that the root's name is empty and its path is "/".
type Tree struct {
	Base     string
	Policy   *policy.Policy
	Counters *Counters
	root     *Node
}

// NewTree creates a Tree rooted at base (an absolute host path, e.g. "/"
// for a host-side view or "/var/jailbase/alice" for a jail-home view).
func NewTree(base string, pol *policy.Policy) *Tree {
	t := &Tree{Base: base, Policy: pol, Counters: &Counters{}}
	t.root = &Node{tree: t, name: ""}
	t.Counters.instance()
	return t
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// realPath maps a logical in-tree path (always starting with "/") to the
// real filesystem path syscalls are issued against.
func (t *Tree) realPath(logical string) string {
	if t.Base == "" || t.Base == "/" {
		return logical
	}
	if logical == "/" {
		return t.Base
	}
	return t.Base + logical
}

// Path returns the node's logical path: parent's path joined with name, or
// "/" for the root.
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	parentPath := n.parent.Path()
	if parentPath == "/" {
		return "/" + n.name
	}
	return parentPath + "/" + n.name
}

// RealPath returns the real filesystem path backing this node.
func (n *Node) RealPath() string { return n.tree.realPath(n.Path()) }

// Tree returns the owning Tree.
func (n *Node) Tree() *Tree { return n.tree }

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Name returns the node's own name (no "/"), empty for the root.
func (n *Node) Name() string { return n.name }

// Stat returns the cached stat record.
func (n *Node) Stat() Stat { return n.stat }

// Exists reports whether the node currently has a real backing entry.
func (n *Node) Exists() bool { return !n.stat.IsZero() }

// IsDir reports whether the node is (or is planned as) a directory.
func (n *Node) IsDir() bool { return n.fileType() == unix.S_IFDIR }

// IsSymlink reports whether the node carries a symlink target.
func (n *Node) IsSymlink() bool { return n.target != nil }

// SymlinkTarget returns the cached symlink target, or "" if not a symlink.
func (n *Node) SymlinkTarget() string {
	if n.target == nil {
		return ""
	}
	return *n.target
}

func (n *Node) fileType() uint32 {
	if !n.stat.IsZero() {
		return n.stat.FileType()
	}
	return n.planned
}

func (n *Node) childOrNil(name string) *Node {
	if n.children == nil {
		return nil
	}
	return n.children[name]
}

func (n *Node) ensureChild(name string) *Node {
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	if c, ok := n.children[name]; ok {
		return c
	}
	c := &Node{tree: n.tree, parent: n, name: name}
	n.children[name] = c
	n.tree.Counters.instance()
	return c
}

// detach removes a child from its parent's map without touching its own
// fields (used internally before clear()).
func (n *Node) detach() {
	if n.parent != nil && n.parent.children != nil {
		delete(n.parent.children, n.name)
	}
}

// clear disowns a node: parent cleared, children detached, stat zeroed.
// Matches the "Lifecycle" paragraph of the data model.
func (n *Node) clear() {
	n.detach()
	for _, c := range n.children {
		c.clear()
	}
	n.children = nil
	n.parent = nil
	n.stat = Stat{}
	n.target = nil
	n.planned = 0
}

// lstat performs the real lstat(2) and records it on the counters.
func (t *Tree) lstat(real string) (*unix.Stat_t, error) {
	t.Counters.stat()
	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Refresh re-populates the node's cached stat (and, for symlinks, target)
// from either a supplied stat record or a fresh lstat of its real path.
func (n *Node) Refresh(st *unix.Stat_t) error {
	real := n.RealPath()
	if st == nil {
		var err error
		st, err = n.tree.lstat(real)
		if err != nil {
			if os.IsNotExist(err) {
				n.stat = Stat{}
				n.target = nil
				return nil
			}
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	n.stat = statFromUnix(st)
	n.planned = 0
	if n.stat.FileType() == unix.S_IFLNK {
		tgt, err := os.Readlink(real)
		if err != nil {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
		n.target = &tgt
	} else {
		n.target = nil
	}
	return nil
}

// CheckCache re-stats the node and verifies the defined subset of fields
// against the cache: link target, mode, uid, gid, rdev always; size and
// mtime for non-dir/non-symlink entries. A mismatch is a CacheDrift.
func (n *Node) CheckCache() error {
	real := n.RealPath()
	st, err := n.tree.lstat(real)
	if err != nil {
		if os.IsNotExist(err) {
			if n.stat.IsZero() {
				return nil
			}
			return jailerr.New(jailerr.CacheDrift, "%s vanished since caching", real).WithPath(real)
		}
		return jailerr.Wrap(jailerr.IoError, real, err)
	}
	fresh := statFromUnix(st)

	if n.target != nil {
		tgt, err := os.Readlink(real)
		if err != nil {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
		if tgt != *n.target {
			return jailerr.New(jailerr.CacheDrift, "%s: symlink target changed %q -> %q", real, *n.target, tgt).WithPath(real)
		}
	}
	if fresh.Mode != n.stat.Mode {
		return jailerr.New(jailerr.CacheDrift, "%s: mode changed %o -> %o", real, n.stat.Mode, fresh.Mode).WithPath(real)
	}
	if fresh.Uid != n.stat.Uid || fresh.Gid != n.stat.Gid {
		return jailerr.New(jailerr.CacheDrift, "%s: ownership changed", real).WithPath(real)
	}
	if fresh.Rdev != n.stat.Rdev {
		return jailerr.New(jailerr.CacheDrift, "%s: rdev changed", real).WithPath(real)
	}
	ft := fresh.FileType()
	if ft != unix.S_IFDIR && ft != unix.S_IFLNK {
		if fresh.Size != n.stat.Size {
			return jailerr.New(jailerr.CacheDrift, "%s: size changed %d -> %d", real, n.stat.Size, fresh.Size).WithPath(real)
		}
		if !timeEqual(fresh.Mtime, n.stat.Mtime) {
			return jailerr.New(jailerr.CacheDrift, "%s: mtime changed", real).WithPath(real)
		}
	}
	return nil
}

// Lookup resolves path (absolute or relative to this node, but callers
// virtually always call it on the tree root with an absolute path) walking
// "." and ".." normatively and following symlinks (relative targets
// continue from the symlink's parent, absolute targets restart at root).
// A missing path yields (nil, nil) -- the "soft lookup" case -- or, when an
// earlier walk already left a placeholder there, that non-existent node
// (callers check Exists()). Passing a
// non-zero expectedFmt switches to "getdefault": a missing path is created
// as a planned placeholder of that file-type; an existing node whose
// format differs from expectedFmt is a FormatMismatch.
func (n *Node) Lookup(path string, expectedFmt uint32) (*Node, error) {
	return n.lookup(path, expectedFmt, map[*Node]bool{})
}

func (n *Node) lookup(path string, expectedFmt uint32, visited map[*Node]bool) (*Node, error) {
	cur := n
	if strings.HasPrefix(path, "/") {
		cur = n.tree.root
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}
		last := i == len(segs)-1
		next, err := cur.resolveSegment(seg, visited)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if !last || expectedFmt == 0 {
				return nil, nil
			}
			placeholder := cur.ensureChild(seg)
			placeholder.planned = expectedFmt
			return placeholder, nil
		}
		cur = next
		if cur.IsSymlink() && !last {
			resolved, err := cur.followSymlink(visited)
			if err != nil {
				return nil, err
			}
			cur = resolved
		}
	}
	if expectedFmt != 0 && cur.Exists() && cur.fileType() != expectedFmt {
		return nil, jailerr.New(jailerr.FormatMismatch, "%s: expected format %o, has %o", cur.Path(), expectedFmt, cur.fileType()).WithPath(cur.Path())
	}
	if expectedFmt != 0 && !cur.Exists() && cur.planned == 0 {
		cur.planned = expectedFmt
	}
	return cur, nil
}

// resolveSegment finds or lazily materializes the named child of cur,
// refreshing it from lstat on first creation.
func (n *Node) resolveSegment(seg string, visited map[*Node]bool) (*Node, error) {
	if c := n.childOrNil(seg); c != nil {
		return c, nil
	}
	c := n.ensureChild(seg)
	if err := c.Refresh(nil); err != nil {
		return nil, err
	}
	if c.stat.IsZero() && c.target == nil {
		// Genuinely absent on the real filesystem; keep the placeholder
		// node (its presence in children is harmless -- IsZero() callers
		// treat it as non-existent) but report "not found" to the walk.
		return nil, nil
	}
	return c, nil
}

// followSymlink resolves one symlink hop, detecting cycles via the
// threaded visited set.
func (n *Node) followSymlink(visited map[*Node]bool) (*Node, error) {
	if visited[n] {
		return nil, jailerr.New(jailerr.SymlinkLoop, "%s: symlink cycle detected", n.Path()).WithPath(n.Path())
	}
	visited[n] = true
	target := n.SymlinkTarget()
	if strings.HasPrefix(target, "/") {
		resolved, err := n.tree.root.lookup(target, 0, visited)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			return n, nil // dangling: the walk continues from the link node itself
		}
		return resolved, nil
	}
	if n.parent == nil {
		return n, nil
	}
	resolved, err := n.parent.lookup(target, 0, visited)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return n, nil
	}
	return resolved, nil
}

// GetDefault is the convenience wrapper for the common "getdefault" case:
// a soft lookup that materializes a planned placeholder of expectedFmt
// when the path doesn't exist.
func (n *Node) GetDefault(path string, expectedFmt uint32) (*Node, error) {
	return n.Lookup(path, expectedFmt)
}

// ListDir returns the union of names from a real readdir and any
// already-materialized children, sorted. ENOENT on the real directory is
// tolerated and just yields the materialized-children set.
func (n *Node) ListDir() ([]string, error) {
	n.tree.Policy.Readable(n.RealPath(), fmt.Sprintf("ls %s", n.RealPath()))
	n.tree.Counters.access()

	seen := map[string]bool{}
	for name := range n.children {
		seen[name] = true
	}
	entries, err := os.ReadDir(n.RealPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, jailerr.Wrap(jailerr.IoError, n.RealPath(), err)
		}
	} else {
		for _, e := range entries {
			seen[e.Name()] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// parentDir resolves (and lazily creates, as a planned directory) the
// parent of path without requiring the leaf itself to exist. When that
// parent is the tree root and the tree's base directory is missing on disk,
// the base directory is created first.
func (n *Node) parentDir(path string) (*Node, string, error) {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return n.tree.root, path, nil
	}
	dir := path[:idx]
	leaf := path[idx+1:]
	if dir == "" {
		dir = "/"
	}
	if root := n.tree.root; dir == "/" && !root.Exists() {
		if err := root.Refresh(nil); err != nil {
			return nil, "", err
		}
		if !root.Exists() {
			if err := root.createMkdir(unix.S_IFDIR | 0o750); err != nil {
				return nil, "", err
			}
		}
	}
	parent, err := n.tree.root.Lookup(dir, unix.S_IFDIR)
	if err != nil {
		return nil, "", err
	}
	return parent, leaf, nil
}

// Mkdir locates-or-creates a directory at path. If it already exists and is
// a directory, only permissions and ownership are reconciled; mode defaults
// to 0750 for a new directory, uid/gid of -1 leaves the attribute alone.
func (n *Node) Mkdir(path string, mode uint32, uid, gid int) (*Node, error) {
	if mode == 0 {
		mode = 0o750
	}
	parent, leaf, err := n.parentDir(path)
	if err != nil {
		return nil, err
	}
	node, err := parent.Lookup(leaf, unix.S_IFDIR)
	if err != nil {
		return nil, err
	}
	if node.Exists() {
		if node.fileType() != unix.S_IFDIR {
			return nil, jailerr.New(jailerr.FormatMismatch, "%s exists and is not a directory", node.Path()).WithPath(node.Path())
		}
	} else {
		if err := node.createMkdir(mode | unix.S_IFDIR); err != nil {
			return nil, err
		}
	}
	if err := node.Chmod(mode | unix.S_IFDIR); err != nil {
		return nil, err
	}
	if uid >= 0 || gid >= 0 {
		cu, cg := uid, gid
		if cu < 0 {
			cu = int(node.stat.Uid)
		}
		if cg < 0 {
			cg = int(node.stat.Gid)
		}
		if err := node.Chown(cu, cg); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (n *Node) createMkdir(mode uint32) error {
	real := n.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("mkdir -m %o %s", mode&0o7777, real))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	if ok {
		oldmask := unix.Umask(0)
		err := unix.Mkdir(real, mode&0o7777)
		unix.Umask(oldmask)
		if err != nil && !os.IsExist(err) {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	n.stat = Stat{Mode: mode, Size: 0}
	n.planned = 0
	if ok {
		return n.Refresh(nil)
	}
	return nil
}

// Makedirs performs an idempotent recursive mkdir along path.
func (n *Node) Makedirs(path string, mode uint32) (*Node, error) {
	path = strings.TrimRight(path, "/")
	if path == "" || path == "/" {
		return n.tree.root, nil
	}
	parentPath := "/"
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := n.tree.root
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		if parentPath == "/" {
			parentPath = "/" + seg
		} else {
			parentPath += "/" + seg
		}
		next, err := cur.Mkdir(parentPath, mode, -1, -1)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Symlink creates path as a symlink to target, or validates an existing
// entry already points there.
func (n *Node) Symlink(target, path string) (*Node, error) {
	parent, leaf, err := n.parentDir(path)
	if err != nil {
		return nil, err
	}
	node, err := parent.Lookup(leaf, unix.S_IFLNK)
	if err != nil {
		return nil, err
	}
	if node.Exists() {
		if node.fileType() != unix.S_IFLNK {
			return nil, jailerr.New(jailerr.FormatMismatch, "%s exists and is not a symlink", node.Path()).WithPath(node.Path())
		}
		if node.SymlinkTarget() != target {
			return nil, jailerr.New(jailerr.FormatMismatch, "%s is a symlink to %q, not %q", node.Path(), node.SymlinkTarget(), target).WithPath(node.Path())
		}
		return node, nil
	}
	real := node.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("ln -s %s %s", target, real))
	if err != nil {
		return nil, err
	}
	n.tree.Counters.access()
	if ok {
		if err := unix.Symlink(target, real); err != nil && !os.IsExist(err) {
			return nil, jailerr.Wrap(jailerr.IoError, real, err)
		}
		if err := node.Refresh(nil); err != nil {
			return nil, err
		}
	} else {
		node.target = &target
		node.stat = Stat{Mode: unix.S_IFLNK | 0o777, Size: int64(len(target))}
		node.planned = 0
	}
	return node, nil
}

// Mknod creates path as a device node (selected char/block by mode's
// file-type bits); if it exists, mode bits and device must already match.
func (n *Node) Mknod(path string, mode uint32, dev uint64) (*Node, error) {
	ft := mode & unix.S_IFMT
	parent, leaf, err := n.parentDir(path)
	if err != nil {
		return nil, err
	}
	node, err := parent.Lookup(leaf, ft)
	if err != nil {
		return nil, err
	}
	if node.Exists() {
		if node.fileType() != ft {
			return nil, jailerr.New(jailerr.FormatMismatch, "%s exists with a different type", node.Path()).WithPath(node.Path())
		}
		if node.stat.Mode&0o7777 != mode&0o7777 || node.stat.Rdev != dev {
			return nil, jailerr.New(jailerr.FormatMismatch, "%s exists with different mode/device", node.Path()).WithPath(node.Path())
		}
		return node, nil
	}
	real := node.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("mknod %s %o %d", real, mode, dev))
	if err != nil {
		return nil, err
	}
	n.tree.Counters.access()
	if ok {
		if err := unix.Mknod(real, mode, int(dev)); err != nil && !os.IsExist(err) {
			return nil, jailerr.Wrap(jailerr.IoError, real, err)
		}
		if err := node.Refresh(nil); err != nil {
			return nil, err
		}
	} else {
		node.stat = Stat{Mode: mode, Rdev: dev}
		node.planned = 0
	}
	return node, nil
}

// CreateEmpty ensures path exists as an empty regular file, locating-or-
// creating it the way Mkdir does for directories. Used by --touch when the
// target doesn't already exist.
func (n *Node) CreateEmpty(path string) (*Node, error) {
	parent, leaf, err := n.parentDir(path)
	if err != nil {
		return nil, err
	}
	node, err := parent.Lookup(leaf, unix.S_IFREG)
	if err != nil {
		return nil, err
	}
	if node.Exists() {
		return node, nil
	}
	real := node.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("touch %s", real))
	if err != nil {
		return nil, err
	}
	n.tree.Counters.access()
	if ok {
		f, ferr := os.OpenFile(real, os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil && !os.IsExist(ferr) {
			return nil, jailerr.Wrap(jailerr.IoError, real, ferr)
		}
		if f != nil {
			f.Close()
		}
		if err := node.Refresh(nil); err != nil {
			return nil, err
		}
	} else {
		node.stat = Stat{Mode: unix.S_IFREG | 0o644, Size: 0}
		node.planned = 0
	}
	return node, nil
}

// Chown reconciles uid/gid against the cached value; a no-op if unchanged,
// otherwise issues lchown via the write-policy gate.
func (n *Node) Chown(uid, gid int) error {
	if uid < 0 {
		uid = int(n.stat.Uid)
	}
	if gid < 0 {
		gid = int(n.stat.Gid)
	}
	if int(n.stat.Uid) == uid && int(n.stat.Gid) == gid {
		return nil
	}
	real := n.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("chown %d:%d %s", uid, gid, real))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	if ok {
		if err := unix.Lchown(real, uid, gid); err != nil {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	n.stat.Uid = uint32(uid)
	n.stat.Gid = uint32(gid)
	return nil
}

// Chmod reconciles the mode bits (permission bits only; file-type bits in
// mode, if present, are ignored for the comparison since they never
// change on an existing entry).
func (n *Node) Chmod(mode uint32) error {
	perm := mode & 0o7777
	if n.stat.Mode&0o7777 == perm && !n.stat.IsZero() {
		return nil
	}
	real := n.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("chmod %o %s", perm, real))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	if ok {
		if err := unix.Chmod(real, perm); err != nil {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	if n.stat.IsZero() {
		n.stat.Mode = mode
	} else {
		n.stat.Mode = (n.stat.Mode &^ 0o7777) | perm
	}
	return nil
}

// Utime reconciles mtime (nil means now), tolerating +-0.5s drift. The
// textual "%Y%m%d%H%M.%S" form --touch accepts is converted with
// ParseTouchTime before it reaches here.
func (n *Node) Utime(mtime *time.Time) error {
	want := time.Now()
	if mtime != nil {
		want = *mtime
	}
	if timeEqual(n.stat.Mtime, want) {
		return nil
	}
	real := n.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("utime %s %s", real, want.Format(time.RFC3339)))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	if ok {
		ts := []unix.Timespec{
			unix.NsecToTimespec(want.UnixNano()),
			unix.NsecToTimespec(want.UnixNano()),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, real, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	n.stat.Atime = want
	n.stat.Mtime = want
	return nil
}

// ParseTouchTime parses the textual "%Y%m%d%H%M.%S" form --touch accepts.
func ParseTouchTime(s string) (time.Time, error) {
	layout := "200601021504.05"
	if !strings.Contains(s, ".") {
		layout = "200601021504"
	}
	t, err := time.ParseInLocation(layout, s, time.Local)
	if err != nil {
		return time.Time{}, jailerr.Wrap(jailerr.ArgumentError, "", err)
	}
	return t, nil
}

// Chflags reconciles the BSD-style file flags field; a no-op platform
// stub on Linux, which has no chflags(2) -- it only ever touches the
// cache, matching "reconcile ... where supported".
func (n *Node) Chflags(flags uint32) error {
	if n.stat.Flags == flags {
		return nil
	}
	real := n.RealPath()
	_, err := n.tree.Policy.Writable(real, fmt.Sprintf("chflags %d %s", flags, real))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	n.stat.Flags = flags
	return nil
}

// Remove issues unlink(2) then clears the node.
func (n *Node) Remove() error {
	real := n.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("rm -f %s", real))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	if ok {
		if err := unix.Unlink(real); err != nil && !os.IsNotExist(err) {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	n.clear()
	return nil
}

// Rmdir issues rmdir(2) then clears the node.
func (n *Node) Rmdir() error {
	real := n.RealPath()
	ok, err := n.tree.Policy.Writable(real, fmt.Sprintf("rmdir %s", real))
	if err != nil {
		return err
	}
	n.tree.Counters.access()
	if ok {
		if err := unix.Rmdir(real); err != nil && !os.IsNotExist(err) {
			return jailerr.Wrap(jailerr.IoError, real, err)
		}
	}
	n.clear()
	return nil
}

// RmRf locates path and recursively removes it: directories recurse into
// every child name then rmdir, everything else is a plain remove. Refuses
// to operate on paths whose total "/"-count is <=2, guarding against
// removing near-root directories (e.g. "/var/jailbase" has exactly 2
// slashes and is refused; "/var/jailbase/alice" has 3 and is allowed).
func (n *Node) RmRf(path string) error {
	if strings.Count(strings.TrimRight(path, "/"), "/") <= 2 {
		return jailerr.New(jailerr.ArgumentError, "refusing to rm_rf near-root path %s", path).WithPath(path)
	}
	node, err := n.Lookup(path, 0)
	if err != nil {
		return err
	}
	if node == nil || !node.Exists() {
		return nil
	}
	return node.rmRf()
}

func (n *Node) rmRf() error {
	if n.IsDir() {
		names, err := n.ListDir()
		if err != nil {
			return err
		}
		for _, name := range names {
			child := n.ensureChild(name)
			if !child.Exists() {
				if err := child.Refresh(nil); err != nil {
					return err
				}
			}
			if !child.Exists() {
				continue
			}
			if err := child.rmRf(); err != nil {
				return err
			}
		}
		return n.Rmdir()
	}
	return n.Remove()
}

// CompareOrder orders two nodes for the quick-skip optimization: a
// non-existent node sorts after an existing one; else by mode, uid, gid,
// size, then (for symlinks) lexical target or (otherwise) mtime with
// epsilon tolerance.
func CompareOrder(a, b *Node) int {
	ae, be := a.Exists(), b.Exists()
	if ae != be {
		if ae {
			return -1
		}
		return 1
	}
	if !ae {
		return 0
	}
	if a.stat.Mode != b.stat.Mode {
		return int(a.stat.Mode) - int(b.stat.Mode)
	}
	if a.stat.Uid != b.stat.Uid {
		return int(a.stat.Uid) - int(b.stat.Uid)
	}
	if a.stat.Gid != b.stat.Gid {
		return int(a.stat.Gid) - int(b.stat.Gid)
	}
	if a.stat.Size != b.stat.Size {
		return int(a.stat.Size - b.stat.Size)
	}
	if a.IsSymlink() || b.IsSymlink() {
		return strings.Compare(a.SymlinkTarget(), b.SymlinkTarget())
	}
	if timeEqual(a.stat.Mtime, b.stat.Mtime) {
		return 0
	}
	if a.stat.Mtime.Before(b.stat.Mtime) {
		return -1
	}
	return 1
}

// Equal reports whether CompareOrder(a, b) == 0, the quick-skip test used
// by --add-recurse --quick and --clone-recurse --quick.
func Equal(a, b *Node) bool { return CompareOrder(a, b) == 0 }
