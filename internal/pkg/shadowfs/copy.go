package shadowfs

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/linkdata/jail/pkg/jailerr"
)

const copyChunkSize = 16 * 1024

// CopyData copies n's regular-file data into dst byte-for-byte in 16 KiB
// chunks, returning the number of bytes copied. Both nodes must be (or be
// about to become) regular files.
func (n *Node) CopyData(dst *Node) (int64, error) {
	if n.fileType() != unix.S_IFREG {
		return 0, jailerr.New(jailerr.FormatMismatch, "%s is not a regular file", n.Path()).WithPath(n.Path())
	}
	if dst.Exists() && dst.fileType() != unix.S_IFREG {
		return 0, jailerr.New(jailerr.FormatMismatch, "%s exists and is not a regular file", dst.Path()).WithPath(dst.Path())
	}

	srcReal := n.RealPath()
	dstReal := dst.RealPath()

	ok, err := dst.tree.Policy.Writable(dstReal, fmt.Sprintf("cp -p %s %s", srcReal, dstReal))
	if err != nil {
		return 0, err
	}
	dst.tree.Counters.access()
	if !ok {
		dst.stat.Mode = unix.S_IFREG | (n.stat.Mode & 0o7777)
		dst.stat.Size = n.stat.Size
		dst.planned = 0
		return n.stat.Size, nil
	}

	src, err := os.Open(srcReal)
	if err != nil {
		return 0, jailerr.Wrap(jailerr.IoError, srcReal, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dstReal, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(n.stat.Mode&0o7777))
	if err != nil {
		return 0, jailerr.Wrap(jailerr.IoError, dstReal, err)
	}
	defer out.Close()

	buf := make([]byte, copyChunkSize)
	written, err := io.CopyBuffer(out, src, buf)
	if err != nil {
		return written, jailerr.Wrap(jailerr.IoError, dstReal, err)
	}
	if err := dst.Refresh(nil); err != nil {
		return written, err
	}
	return written, nil
}

// Copy2 copies data then reconciles uid/gid, mode, flags, and atime/mtime
// onto dst, mirroring Python's shutil.copy2 semantics. Source must be
// regular; dst, if it exists, must be regular too (enforced by CopyData).
func (n *Node) Copy2(dst *Node) error {
	if _, err := n.CopyData(dst); err != nil {
		return err
	}
	if err := dst.Chown(int(n.stat.Uid), int(n.stat.Gid)); err != nil {
		return err
	}
	if err := dst.Chmod(n.stat.Mode); err != nil {
		return err
	}
	if err := dst.Chflags(n.stat.Flags); err != nil {
		return err
	}
	mtime := n.stat.Mtime
	return dst.Utime(&mtime)
}
