// Package jailbuilder implements JailBuilder: the per-operation semantics
// of every queued cloning/construction command (--add, --clone, --mkdir,
// --ln-s, --mknod, --chown, --chmod, --touch, --chflags, --rm, --rmdir,
// --clean, --remove), driving dependency resolution and routing every
// filesystem mutation through the shadow filesystem.
package jailbuilder

import (
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linkdata/jail/internal/pkg/depresolver"
	"github.com/linkdata/jail/internal/pkg/jailconfig"
	"github.com/linkdata/jail/internal/pkg/policy"
	"github.com/linkdata/jail/internal/pkg/shadowfs"
	"github.com/linkdata/jail/pkg/jailerr"
	"github.com/linkdata/jail/pkg/jlog"
)

// Builder is the JailBuilder. Host is a ShadowNode tree rooted at "/" used
// to read source entries; Jail is rooted at the group's jail home
// ("{jailhome}", i.e. JailHome + "/" + Group) and receives every clone,
// addressed by jail-relative paths.
type Builder struct {
	Config   *jailconfig.Config
	Policy   *policy.Policy
	Host     *shadowfs.Tree
	Jail     *shadowfs.Tree
	Resolver *depresolver.Resolver

	done        map[string]bool
	dnsAdded    bool
	threadAdded bool
	tryNext     bool

	// SeenUIDs/SeenGIDs accumulate every owner id this Builder has applied
	// to a jail entry, the "observed during construction" set PasswdSynth
	// consults to decide which passwd/group lines to keep.
	SeenUIDs map[uint32]bool
	SeenGIDs map[uint32]bool
}

func (b *Builder) track(uid, gid uint32) {
	if b.SeenUIDs == nil {
		b.SeenUIDs = map[uint32]bool{}
	}
	if b.SeenGIDs == nil {
		b.SeenGIDs = map[uint32]bool{}
	}
	b.SeenUIDs[uid] = true
	b.SeenGIDs[gid] = true
}

// New builds a Builder over the given config and policy. The jail-home
// tree is allocated immediately at JailHome + "/" + Group (cheap: it is only a
// root Node until something is looked up under it) -- nothing is stat'd
// until first use.
func New(cfg *jailconfig.Config, pol *policy.Policy, resolver *depresolver.Resolver) *Builder {
	jailHome := cfg.JailHome + "/" + cfg.Group
	return &Builder{
		Config:   cfg,
		Policy:   pol,
		Host:     shadowfs.NewTree("/", pol),
		Jail:     shadowfs.NewTree(jailHome, pol),
		Resolver: resolver,
		done:     map[string]bool{},
		SeenUIDs: map[uint32]bool{},
		SeenGIDs: map[uint32]bool{},
	}
}

// Try sets the one-shot soft-fail flag for the next queued command.
func (b *Builder) Try() { b.tryNext = true }

// ConsumeTry reports and clears the soft-fail flag; the command loop calls
// this immediately before running each queued command.
func (b *Builder) ConsumeTry() bool {
	v := b.tryNext
	b.tryNext = false
	return v
}

// Add implements `--add path`: clone path (after its parent directories,
// and, for an executable or shared library, together with everything it
// transitively depends on) from the host into the jail; recurse also
// descends into a directory's children.
func (b *Builder) Add(path string, recurse, quick bool) error {
	abs, err := b.Config.Expand(path)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	if b.done[abs] {
		return nil
	}
	b.done[abs] = true

	if abs == "/" {
		return nil
	}
	if err := b.Add(filepath.Dir(abs), false, false); err != nil {
		return err
	}

	src, err := b.Host.Root().Lookup(abs, 0)
	if err != nil {
		return err
	}
	if src == nil || !src.Exists() {
		return jailerr.New(jailerr.NotFound, "%s not found", abs).WithPath(abs)
	}

	if err := b.cloneEntry(src, abs); err != nil {
		return err
	}

	if src.IsSymlink() {
		if err := b.followAddedSymlink(src, abs, recurse, quick); err != nil {
			return err
		}
	}

	if src.Stat().FileType() == unix.S_IFREG {
		isExec := src.Stat().Mode&0o111 != 0
		isLib := depresolver.LibraryRx.MatchString(abs)
		if isExec || isLib {
			if err := b.pullDependencies(abs, recurse, quick); err != nil {
				return err
			}
		}
	}

	if err := b.cloneMetadata(src, abs); err != nil {
		return err
	}

	if recurse && src.IsDir() {
		if err := b.recurseAdd(abs, quick); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) followAddedSymlink(src *shadowfs.Node, abs string, recurse, quick bool) error {
	target := src.SymlinkTarget()
	resolvedTarget := target
	if !strings.HasPrefix(target, "/") {
		resolvedTarget = filepath.Clean(filepath.Join(filepath.Dir(abs), target))
	}
	hostTarget, err := b.Host.Root().Lookup(resolvedTarget, 0)
	if err != nil {
		return err
	}
	if hostTarget != nil && hostTarget.Exists() {
		return b.Add(resolvedTarget, recurse, quick)
	}
	jailLink, err := b.Jail.Root().Lookup(abs, 0)
	if err != nil {
		return err
	}
	if jailLink != nil && jailLink.IsSymlink() {
		return jailLink.Remove()
	}
	return nil
}

func (b *Builder) pullDependencies(abs string, recurse, quick bool) error {
	if err := b.Resolver.ExamineSystem(); err != nil {
		return err
	}
	if (b.Config.DNS || b.Resolver.IsDNS(abs)) && !b.dnsAdded {
		b.dnsAdded = true
		for _, p := range b.Resolver.DNSFiles() {
			if err := b.Add(p, false, false); err != nil {
				return err
			}
		}
	}
	if b.Resolver.IsThread(abs) && !b.threadAdded {
		b.threadAdded = true
		for _, p := range b.Resolver.ThreadFiles() {
			if err := b.Add(p, false, false); err != nil {
				return err
			}
		}
	}
	for _, alias := range b.Resolver.Aliases(abs) {
		if err := b.Add(alias, false, false); err != nil {
			return err
		}
	}
	deps, err := b.Resolver.Dependencies(abs)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if err := b.Add(dep, false, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) recurseAdd(abs string, quick bool) error {
	src, err := b.Host.Root().Lookup(abs, 0)
	if err != nil || src == nil {
		return err
	}
	if quick {
		dst, err := b.Jail.Root().Lookup(abs, 0)
		if err == nil && dst != nil && shadowfs.Equal(src, dst) {
			return nil
		}
	}
	names, err := src.ListDir()
	if err != nil {
		return err
	}
	for _, name := range names {
		child := filepath.Join(abs, name)
		if err := b.Add(child, true, quick); err != nil {
			return err
		}
	}
	return nil
}

// cloneEntry creates the correctly-typed placeholder on the jail side
// before metadata/content is reconciled by cloneMetadata.
func (b *Builder) cloneEntry(src *shadowfs.Node, abs string) error {
	if err := b.ensureJailParents(abs); err != nil {
		return err
	}
	switch src.Stat().FileType() {
	case unix.S_IFDIR:
		_, err := b.Jail.Root().Mkdir(abs, src.Stat().Mode&0o7777, -1, -1)
		return err
	case unix.S_IFLNK:
		_, err := b.Jail.Root().Symlink(src.SymlinkTarget(), abs)
		return err
	case unix.S_IFCHR, unix.S_IFBLK:
		_, err := b.Jail.Root().Mknod(abs, src.Stat().Mode, src.Stat().Rdev)
		return err
	default:
		_, err := b.Jail.Root().Lookup(abs, unix.S_IFREG)
		return err
	}
}

func (b *Builder) cloneMetadata(src *shadowfs.Node, abs string) error {
	dst, err := b.Jail.Root().Lookup(abs, 0)
	if err != nil {
		return err
	}
	if dst == nil {
		return jailerr.New(jailerr.IoError, "%s missing from jail tree after clone", abs).WithPath(abs)
	}
	b.track(src.Stat().Uid, src.Stat().Gid)
	switch src.Stat().FileType() {
	case unix.S_IFDIR:
		if err := dst.Chown(int(src.Stat().Uid), int(src.Stat().Gid)); err != nil {
			return err
		}
		return dst.Chmod(src.Stat().Mode)
	case unix.S_IFLNK:
		return nil
	case unix.S_IFREG:
		return src.Copy2(dst)
	default:
		if err := dst.Chown(int(src.Stat().Uid), int(src.Stat().Gid)); err != nil {
			return err
		}
		return dst.Chmod(src.Stat().Mode)
	}
}

// ensureJailParents recreates every missing ancestor directory of abs on
// the jail side, pulling mode/uid/gid from the analogous host ancestor
// when one exists (the jail tree mirrors the host tree's logical path
// space 1:1): creates parent directories by mirroring the source's parent
// chain.
func (b *Builder) ensureJailParents(abs string) error {
	dir := filepath.Dir(abs)
	if dir == "/" || dir == "." {
		return nil
	}
	segs := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	cur := "/"
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		if cur == "/" {
			cur = "/" + seg
		} else {
			cur += "/" + seg
		}
		existing, err := b.Jail.Root().Lookup(cur, 0)
		if err != nil {
			return err
		}
		if existing != nil && existing.Exists() {
			continue
		}
		mode := uint32(0o750)
		uid, gid := -1, -1
		if hostNode, err := b.Host.Root().Lookup(cur, 0); err == nil && hostNode != nil && hostNode.Exists() {
			mode = hostNode.Stat().Mode & 0o7777
			uid, gid = int(hostNode.Stat().Uid), int(hostNode.Stat().Gid)
		}
		if _, err := b.Jail.Root().Mkdir(cur, mode, uid, gid); err != nil {
			return err
		}
	}
	return nil
}

// Clone implements the `--clone` queued command: clone a single entry
// (preserving format, data, mode, uid, gid, mtime, flags) from src to dst.
// src is a host path read through Host; dst is a jail-relative path written
// through Jail (so "/etc/x" lands at {jailhome}/etc/x). "{key}" tokens in
// both are expanded here.
func (b *Builder) Clone(src, dst string) error {
	srcAbs, err := b.Config.Expand(src)
	if err != nil {
		return err
	}
	dstAbs, err := b.Config.Expand(dst)
	if err != nil {
		return err
	}
	srcNode, err := b.Host.Root().Lookup(srcAbs, 0)
	if err != nil {
		return err
	}
	if srcNode == nil || !srcNode.Exists() {
		return jailerr.New(jailerr.NotFound, "%s not found", srcAbs).WithPath(srcAbs)
	}
	if err := b.ensureJailParents(dstAbs); err != nil {
		return err
	}
	if err := b.cloneEntry(srcNode, dstAbs); err != nil {
		return err
	}
	return b.cloneMetadata(srcNode, dstAbs)
}

// CloneRecurse implements `--clone-recurse [--quick] src dst`.
func (b *Builder) CloneRecurse(src, dst string, quick bool) error {
	if err := b.Clone(src, dst); err != nil {
		return err
	}
	srcAbs, err := b.Config.Expand(src)
	if err != nil {
		return err
	}
	dstAbs, err := b.Config.Expand(dst)
	if err != nil {
		return err
	}
	srcNode, err := b.Host.Root().Lookup(srcAbs, 0)
	if err != nil || srcNode == nil || !srcNode.IsDir() {
		return err
	}
	if quick {
		dstNode, err := b.Jail.Root().Lookup(dstAbs, 0)
		if err == nil && dstNode != nil && shadowfs.Equal(srcNode, dstNode) {
			return nil
		}
	}
	names, err := srcNode.ListDir()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := b.CloneRecurse(filepath.Join(srcAbs, name), filepath.Join(dstAbs, name), quick); err != nil {
			return err
		}
	}
	return nil
}

// Mkdir implements `--mkdir path [mode] [user[:group]]`, auto-creating
// missing intermediate directories the way os.MkdirAll does.
func (b *Builder) Mkdir(path string, mode uint32, uid, gid int) error {
	abs, err := b.Config.Expand(path)
	if err != nil {
		return err
	}
	node, err := b.Jail.Root().Makedirs(abs, mode)
	if err != nil {
		return err
	}
	if uid >= 0 || gid >= 0 {
		return node.Chown(uid, gid)
	}
	return nil
}

// LnS implements `--ln-s target linkname`.
func (b *Builder) LnS(target, linkname string) error {
	abs, err := b.Config.Expand(linkname)
	if err != nil {
		return err
	}
	if err := b.ensureJailParents(abs); err != nil {
		return err
	}
	_, err = b.Jail.Root().Symlink(target, abs)
	return err
}

// Mknod implements `--mknod path c|b major [minor]`.
func (b *Builder) Mknod(path string, mode uint32, dev uint64) error {
	abs, err := b.Config.Expand(path)
	if err != nil {
		return err
	}
	if err := b.ensureJailParents(abs); err != nil {
		return err
	}
	_, err = b.Jail.Root().Mknod(abs, mode, dev)
	return err
}

// Chown implements `--chown path user[:group]` (uid/gid resolution happens
// in the CLI layer; this takes the already-resolved numeric ids).
func (b *Builder) Chown(path string, uid, gid int) error {
	node, err := b.resolveJail(path)
	if err != nil {
		return err
	}
	if err := node.Chown(uid, gid); err != nil {
		return err
	}
	b.track(node.Stat().Uid, node.Stat().Gid)
	return nil
}

// Chmod implements `--chmod path mode`.
func (b *Builder) Chmod(path string, mode uint32) error {
	node, err := b.resolveJail(path)
	if err != nil {
		return err
	}
	return node.Chmod(mode)
}

// Touch implements `--touch path [mtime]`.
func (b *Builder) Touch(path string, mtime *time.Time) error {
	abs, err := b.Config.Expand(path)
	if err != nil {
		return err
	}
	if err := b.ensureJailParents(abs); err != nil {
		return err
	}
	node, err := b.Jail.Root().CreateEmpty(abs)
	if err != nil {
		return err
	}
	return node.Utime(mtime)
}

// Chflags implements `--chflags path flags`.
func (b *Builder) Chflags(path string, flags uint32) error {
	node, err := b.resolveJail(path)
	if err != nil {
		return err
	}
	return node.Chflags(flags)
}

// Rm implements `--rm path` (alias: unlink a single jail entry).
func (b *Builder) Rm(path string) error {
	node, err := b.resolveJail(path)
	if err != nil {
		return err
	}
	return node.Remove()
}

// Rmdir implements `--rmdir path`.
func (b *Builder) Rmdir(path string) error {
	node, err := b.resolveJail(path)
	if err != nil {
		return err
	}
	return node.Rmdir()
}

// Clean implements `--clean`: remove every top-level entry of the jail
// home, leaving the jail-home directory itself intact. RmRf's near-root
// guard is defined in terms of real filesystem paths, so each entry is
// removed through the Host tree (whose logical path space equals the real
// one) rather than the Jail tree's shorter jail-relative path space.
func (b *Builder) Clean() error {
	names, err := b.Jail.Root().ListDir()
	if err != nil {
		return err
	}
	for _, name := range names {
		entry, err := b.Jail.Root().Lookup("/"+name, 0)
		if err != nil {
			return err
		}
		if entry == nil || !entry.Exists() {
			continue
		}
		if err := b.Host.Root().RmRf(entry.RealPath()); err != nil {
			if !jailerr.Is(err, jailerr.ArgumentError) {
				return err
			}
			jlog.Debugf("clean: skipping guarded path %s", entry.RealPath())
		}
	}
	return nil
}

// Remove implements `--remove`: clean, then remove the jail-home directory
// itself through Host by its real path; RmRf's <=2-slash guard applies to
// that real path as well.
func (b *Builder) Remove() error {
	if err := b.Clean(); err != nil {
		return err
	}
	real := b.Jail.Base
	host, err := b.Host.Root().Lookup(real, 0)
	if err != nil {
		return err
	}
	if host == nil || !host.Exists() {
		return nil
	}
	return b.Host.Root().RmRf(real)
}

func (b *Builder) resolveJail(path string) (*shadowfs.Node, error) {
	abs, err := b.Config.Expand(path)
	if err != nil {
		return nil, err
	}
	node, err := b.Jail.Root().Lookup(abs, 0)
	if err != nil {
		return nil, err
	}
	if node == nil || !node.Exists() {
		return nil, jailerr.New(jailerr.NotFound, "%s not found in jail", abs).WithPath(abs)
	}
	return node, nil
}

// Dev implements `--dev`: symlink the jail's /dev to the shared
// $JAILTMP/.dev root.
func (b *Builder) Dev() error {
	return b.LnS("/"+b.Config.JailBase+"/.dev", "/dev")
}

// Tmp implements `--tmp`: symlink the jail's /tmp to the shared
// $JAILTMP/.tmp root.
func (b *Builder) Tmp() error {
	return b.LnS("/"+b.Config.JailBase+"/.tmp", "/tmp")
}
