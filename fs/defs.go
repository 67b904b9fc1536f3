package fs

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tchajed/goose/machine/disk"
)

const fs_debug = false

var dlog = logrus.StandardLogger()

// BSIZE matches the device block size; every buffer, bitmap and journal slot
// is sized in these units.
const BSIZE = int(disk.BlockSize)

const (
	// direct block addresses per inode
	NDIRECT = 10
	// addresses in an indirect block
	NINDIRECT = BSIZE / 4
	// largest file, in blocks
	MAXFILE = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

	// bytes per on-disk inode; IPB inodes are packed per block
	ISIZE = 64
	IPB   = BSIZE / ISIZE

	// bitmap bits per block
	BPB = BSIZE * 8

	DIRSIZ   = 14
	ROOTINUM = 1

	// slots in the superblock for inodes whose reclaim is deferred to boot
	NRECLAIM_INODES = 32
)

// superblock lives in block 1; the inode table follows immediately.
const superblockno = 1
const itablestart = 2

type Inum_t uint32
type Mnum_t uint64

// Recoverable error kinds. Invariant violations panic instead.
var (
	ErrOutOfBlocks = errors.New("out of blocks")
	ErrOutOfInodes = errors.New("out of inodes")
	ErrRetry       = errors.New("retry")
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrInvalid     = errors.New("invalid argument")
	ErrNameTooLong = errors.New("name too long")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNotEmpty    = errors.New("directory not empty")
)

// Globally unique, strictly monotonic timestamps. The hardware version reads
// a serialized TSC; a shared counter gives the same ordering guarantees.
var tscclock uint64

func readtsc() uint64 {
	return atomic.AddUint64(&tscclock, 1)
}

// Per-CPU structures are sized once at boot.
var ncpu = runtime.NumCPU()

var cpurr uint64

// mycpu picks the logging shard for one metadata operation.
func mycpu() int {
	return int(atomic.AddUint64(&cpurr, 1)) % ncpu
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
