package shadowfs

import (
	"time"

	"golang.org/x/sys/unix"
)

// Stat mirrors the subset of lstat(2) fields ShadowNode caches, per the
// data model's canonical stat fields.
type Stat struct {
	Mode    uint32 // includes the file-type bits
	Inode   uint64
	Dev     uint64
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Size    int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Blocks  int64
	Blksize int64
	Rdev    uint64
	Flags   uint32
}

// IsZero reports whether both Inode and Mode are zero, the "non-existent"
// test the data model pins.
func (s Stat) IsZero() bool { return s.Inode == 0 && s.Mode == 0 }

// FileType extracts the S_IFMT-masked file-type bits from Mode.
func (s Stat) FileType() uint32 { return s.Mode & unix.S_IFMT }

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Mode:    st.Mode,
		Inode:   st.Ino,
		Dev:     uint64(st.Dev),
		Nlink:   uint64(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Size:    st.Size,
		Atime:   time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:   time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime:   time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Blocks:  st.Blocks,
		Blksize: int64(st.Blksize),
		Rdev:    uint64(st.Rdev),
		// Flags (chflags-style) are not part of POSIX stat on Linux; left
		// at zero and tracked purely in-cache, matching chflags() being a
		// no-op reconciliation target on platforms without the syscall.
	}
}

const epsilon = 500 * time.Millisecond

func timeEqual(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= epsilon
}
