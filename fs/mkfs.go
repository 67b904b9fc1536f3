package fs

import (
	"encoding/binary"

	"github.com/tchajed/goose/machine/disk"
)

// Mkfs formats d with an empty filesystem: superblock, inode table, free
// bitmap, a root directory, and the preallocated journal file linked into
// the root. Layout: block 0 is untouched by the core, block 1 is the
// superblock, the inode table and free bitmap follow, data blocks last.
func Mkfs(d disk.Disk, size, ninodes uint32) error {
	if uint64(size) > d.Size() || ninodes < 3 {
		return ErrInvalid
	}
	sb := &Superblock_t{Size: size, Ninodes: ninodes}
	ds := uint32(sb.datastart())

	const jrnlInum = 2
	rootblk := ds
	jind := ds + 1
	jdata := ds + 2
	used := jdata + uint32(jrnlFileBlocks)
	if used >= size {
		return ErrInvalid
	}
	sb.Nblocks = size - ds

	zero := make([]byte, BSIZE)
	for bno := uint32(0); bno < size; bno++ {
		d.Write(uint64(bno), zero)
	}

	d.Write(superblockno, sb.pack())

	// root directory and journal file inodes
	root := Dinode_t{Type: I_DIR, Nlink: 1, Size: uint32(DIRENTSZ), Gen: 1}
	root.Addrs[0] = rootblk
	jrnl := Dinode_t{Type: I_FILE, Nlink: 1, Size: uint32(PhysJournalSize), Gen: 1}
	for i := 0; i < NDIRECT; i++ {
		jrnl.Addrs[i] = jdata + uint32(i)
	}
	jrnl.Addrs[NDIRECT] = jind

	iblk := make([]byte, BSIZE)
	copy(iblk[ioffset(ROOTINUM)*ISIZE:], root.pack())
	copy(iblk[ioffset(jrnlInum)*ISIZE:], jrnl.pack())
	d.Write(uint64(sb.Iblock(ROOTINUM)), iblk)

	// the journal file's indirect block
	ind := make([]byte, BSIZE)
	for i := NDIRECT; i < jrnlFileBlocks; i++ {
		binary.LittleEndian.PutUint32(ind[(i-NDIRECT)*4:], jdata+uint32(i))
	}
	d.Write(uint64(jind), ind)

	// the root directory's single record
	rootdata := make([]byte, BSIZE)
	copy(rootdata, mkDirent(jrnlFileName, jrnlInum).pack())
	d.Write(uint64(rootblk), rootdata)

	// free bitmap: everything up to the end of the journal file is in use
	for bno := uint32(0); bno < size; bno += uint32(BPB) {
		bm := make([]byte, BSIZE)
		for bi := uint32(0); bi < uint32(BPB) && bno+bi < size; bi++ {
			if bno+bi < used {
				bm[bi/8] |= 1 << (bi % 8)
			}
		}
		d.Write(uint64(sb.Bblock(int(bno))), bm)
	}

	d.Barrier()
	return nil
}
