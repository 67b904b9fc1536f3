package fs

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// On-disk directory format: fixed-width records packed consecutively in the
// directory's data blocks. inum 0 marks a deleted slot; slots are never
// compacted, so a record's offset is stable for the life of the directory.
type Dirent_t struct {
	Inum uint16
	Name [DIRSIZ]byte
}

const DIRENTSZ = 2 + DIRSIZ
const NDIRENTS = BSIZE / DIRENTSZ

func (de *Dirent_t) pack() []byte {
	buf, err := restruct.Pack(binary.LittleEndian, de)
	if err != nil {
		panic(err)
	}
	return buf
}

func (de *Dirent_t) unpack(data []byte) {
	if err := restruct.Unpack(data, binary.LittleEndian, de); err != nil {
		panic(err)
	}
}

func (de *Dirent_t) name() string {
	n := de.Name[:]
	for i, c := range n {
		if c == 0 {
			return string(n[:i])
		}
	}
	return string(n)
}

func mkDirent(name string, inum Inum_t) *Dirent_t {
	de := &Dirent_t{Inum: uint16(inum)}
	copy(de.Name[:], name)
	return de
}

// in-memory image of one directory record
type dirent_info_t struct {
	inum   Inum_t
	offset uint32
}

// dirInit reconstructs the in-memory name map and the next free slot offset
// by streaming the directory's data blocks. Runs once, on first access.
func (fs *Fs_t) dirInit(dp *inode_t) {
	dp.dirmu.Lock()
	defer dp.dirmu.Unlock()
	if dp.dirinit {
		return
	}
	if dp.itype() != I_DIR {
		panic("dirInit: not a directory")
	}
	dents := make(map[string]dirent_info_t)
	off := uint32(0)
	buf := make([]byte, DIRENTSZ)
	for ; off < dp.size; off += uint32(DIRENTSZ) {
		if n, err := fs.readi(dp, buf, int(off)); err != nil || n != DIRENTSZ {
			panic("dirInit: short directory read")
		}
		var de Dirent_t
		de.unpack(buf)
		if de.Inum != 0 {
			dents[de.name()] = dirent_info_t{Inum_t(de.Inum), off}
		}
	}
	dp.dents = dents
	dp.diroffset = off
	dp.dirinit = true
}

// dirlookup returns the inum and record offset for name.
func (fs *Fs_t) dirlookup(dp *inode_t, name string) (dirent_info_t, bool) {
	fs.dirInit(dp)
	dp.dirmu.Lock()
	defer dp.dirmu.Unlock()
	di, ok := dp.dents[name]
	return di, ok
}

// dirFlushEntry writes the record at off through the journal and updates the
// directory inode if it grew.
func (fs *Fs_t) dirFlushEntry(dp *inode_t, de *Dirent_t, off uint32, tr *transaction_t) {
	if n, err := fs.writei(dp, de.pack(), int(off), tr, false); err != nil || n != DIRENTSZ {
		panic("dirFlushEntry: short directory write")
	}
	if dp.size < off+uint32(DIRENTSZ) {
		dp.seqWriteBegin()
		dp.size = off + uint32(DIRENTSZ)
		dp.seqWriteEnd()
	}
	fs.iupdate(dp, tr)
}

// dirlink appends a record for (name, inum) at the directory's current
// offset. The target inode gains a link; with incParentLink the directory
// itself does too (a child directory's ".." references it).
func (fs *Fs_t) dirlink(dp *inode_t, name string, inum Inum_t, incParentLink bool, tr *transaction_t) error {
	if len(name) > DIRSIZ {
		return ErrNameTooLong
	}
	fs.dirInit(dp)

	dp.dirmu.Lock()
	if _, ok := dp.dents[name]; ok {
		dp.dirmu.Unlock()
		return ErrExists
	}
	off := dp.diroffset
	dp.diroffset += uint32(DIRENTSZ)
	dp.dents[name] = dirent_info_t{inum, off}
	dp.dirmu.Unlock()

	target := fs.icache.iget(inum)
	target.link()
	fs.iupdate(target, tr)
	fs.icache.refdown(target)
	if incParentLink {
		dp.link()
	}

	fs.dirFlushEntry(dp, mkDirent(name, inum), off, tr)
	return nil
}

// dirunlink zeroes the record for name at its stable offset. The target
// inode loses a link; with decParentLink the directory does too (a child
// directory's ".." went away).
func (fs *Fs_t) dirunlink(dp *inode_t, name string, inum Inum_t, decParentLink bool, tr *transaction_t) error {
	fs.dirInit(dp)

	dp.dirmu.Lock()
	di, ok := dp.dents[name]
	if !ok || di.inum != inum {
		dp.dirmu.Unlock()
		return ErrNotFound
	}
	delete(dp.dents, name)
	dp.dirmu.Unlock()

	target := fs.icache.iget(inum)
	target.unlink()
	fs.iupdate(target, tr)
	fs.icache.refdown(target)
	if decParentLink {
		dp.unlink()
	}

	fs.dirFlushEntry(dp, &Dirent_t{}, di.offset, tr)
	return nil
}
