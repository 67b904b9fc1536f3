package fs

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// On-disk superblock, block 1. The inode table starts at block 2; the free
// bitmap follows the inode table; data blocks follow the bitmap.
// reclaim_inodes[] holds inodes whose on-disk reclamation was deferred to the
// next boot (unlinked while still open).
type Superblock_t struct {
	Size             uint32
	Nblocks          uint32
	Ninodes          uint32
	NumReclaimInodes uint32
	ReclaimInodes    [NRECLAIM_INODES]uint32
}

func (sb *Superblock_t) pack() []byte {
	buf, err := restruct.Pack(binary.LittleEndian, sb)
	if err != nil {
		panic(err)
	}
	data := make([]byte, BSIZE)
	copy(data, buf)
	return data
}

func (sb *Superblock_t) unpack(data []byte) error {
	if err := restruct.Unpack(data, binary.LittleEndian, sb); err != nil {
		return errors.Wrap(err, "superblock")
	}
	return nil
}

// number of blocks holding the inode table
func (sb *Superblock_t) inodeblocks() int {
	return (int(sb.Ninodes) + IPB - 1) / IPB
}

// number of blocks holding the free bitmap; one bit per device block
func (sb *Superblock_t) bitmapblocks() int {
	return (int(sb.Size) + BPB - 1) / BPB
}

func (sb *Superblock_t) bitmapstart() int {
	return itablestart + sb.inodeblocks()
}

func (sb *Superblock_t) datastart() int {
	return sb.bitmapstart() + sb.bitmapblocks()
}

// Iblock returns the block holding inum's on-disk inode.
func (sb *Superblock_t) Iblock(inum Inum_t) int {
	b := itablestart + int(inum)/IPB
	if b < itablestart || b >= sb.bitmapstart() {
		panic("Iblock: too big inum")
	}
	return b
}

// Bblock returns the bitmap block holding bno's free bit.
func (sb *Superblock_t) Bblock(bno int) int {
	return sb.bitmapstart() + bno/BPB
}

func ioffset(inum Inum_t) int {
	return int(inum) % IPB
}

func (fs *Fs_t) readsb() error {
	b := fs.bcache.getFill(superblockno, "readsb")
	defer fs.bcache.relse(b, "readsb")
	return fs.superb.unpack(b.read())
}

// writesb persists the in-memory superblock straight to its home location.
// The reclaim_inodes[] list must survive a crash on its own, so it does not
// go through the journal.
func (fs *Fs_t) writesb() {
	b := fs.bcache.getFill(superblockno, "writesb")
	b.wlock()
	copy(b.data, fs.superb.pack())
	b.wunlock()
	b.writeback()
	fs.bcache.relse(b, "writesb")
}
