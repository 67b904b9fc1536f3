package fs

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-restruct/restruct"
)

// inode file types
const (
	I_FREE = 0
	I_FILE = 1
	I_DIR  = 2
	I_DEV  = 3
)

// On-disk inode. IPB of these pack per block, starting at block 2.
type Dinode_t struct {
	Type  uint16
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32
	Gen   uint32
	Addrs [NDIRECT + 2]uint32
}

func (di *Dinode_t) pack() []byte {
	buf, err := restruct.Pack(binary.LittleEndian, di)
	if err != nil {
		panic(err)
	}
	if len(buf) > ISIZE {
		panic("dinode too large")
	}
	out := make([]byte, ISIZE)
	copy(out, buf)
	return out
}

func (di *Dinode_t) unpack(data []byte) {
	if err := restruct.Unpack(data, binary.LittleEndian, di); err != nil {
		panic(err)
	}
}

// In-memory inode. The busy/readbusy pair implements single-writer /
// multi-reader locking over lk+cv; all on-disk reads and writes of the
// inode's content or metadata require at least the read side. The metadata
// fields are additionally covered by a seqlock so lock-free readers (stat,
// the resolver's size checks) can take consistent snapshots.
type inode_t struct {
	fs   *Fs_t
	inum Inum_t

	lk       sync.Mutex
	cv       *sync.Cond
	busy     bool
	readbusy int
	valid    bool

	seq uint32

	typ   int32 // compare-and-set target for allocation
	major uint16
	minor uint16
	nlink int32
	size  uint32
	gen   uint32
	addrs [NDIRECT + 2]uint32

	// cached contents of the indirect block, published by compare-and-set
	iaddrs unsafe.Pointer // *[]uint32

	// directory payload: name -> (inum, offset); offsets are stable, deleted
	// slots keep their offset with inum 0 on disk and leave the map here
	dirmu     sync.Mutex
	dents     map[string]dirent_info_t
	dirinit   bool
	diroffset uint32
}

func (ip *inode_t) Evictnow() bool {
	return true
}

func (ip *inode_t) seqWriteBegin() {
	atomic.AddUint32(&ip.seq, 1)
}

func (ip *inode_t) seqWriteEnd() {
	atomic.AddUint32(&ip.seq, 1)
}

const (
	READLOCK  = false
	WRITELOCK = true
)

func (ip *inode_t) ilock(writer bool) {
	ip.lk.Lock()
	if writer {
		for ip.busy || ip.readbusy > 0 {
			ip.cv.Wait()
		}
		ip.busy = true
	} else {
		for ip.busy {
			ip.cv.Wait()
		}
	}
	ip.readbusy++
	ip.lk.Unlock()
}

func (ip *inode_t) iunlock() {
	ip.lk.Lock()
	if ip.readbusy <= 0 && !ip.busy {
		panic("iunlock: not locked")
	}
	ip.readbusy--
	ip.busy = false
	ip.cv.Broadcast()
	ip.lk.Unlock()
}

// init fills the in-memory inode from its disk block.
func (ip *inode_t) init() {
	b := ip.fs.bcache.getFill(ip.fs.superb.Iblock(ip.inum), "inode init")
	data := b.read()
	var di Dinode_t
	di.unpack(data[ioffset(ip.inum)*ISIZE:])
	ip.fs.bcache.relse(b, "inode init")

	atomic.StoreInt32(&ip.typ, int32(di.Type))
	ip.major = di.Major
	ip.minor = di.Minor
	ip.nlink = int32(di.Nlink)
	ip.size = di.Size
	ip.gen = di.Gen
	for i := range ip.addrs {
		ip.addrs[i] = di.Addrs[i]
	}

	ip.lk.Lock()
	ip.valid = true
	ip.cv.Broadcast()
	ip.lk.Unlock()
}

func (ip *inode_t) itype() int {
	return int(atomic.LoadInt32(&ip.typ))
}

func (ip *inode_t) link() {
	ip.seqWriteBegin()
	ip.nlink++
	ip.seqWriteEnd()
}

func (ip *inode_t) unlink() {
	ip.seqWriteBegin()
	ip.nlink--
	ip.seqWriteEnd()
	if ip.nlink < 0 {
		panic("unlink: negative nlink")
	}
}

// iupdate copies the in-memory inode to its disk block and appends the block
// to tr. The cached indirect array, if present, is flushed the same way.
func (fs *Fs_t) iupdate(ip *inode_t, tr *transaction_t) {
	b := fs.bcache.getFill(fs.superb.Iblock(ip.inum), "iupdate")
	b.wlock()
	di := Dinode_t{
		Type:  uint16(ip.itype()),
		Major: ip.major,
		Minor: ip.minor,
		Nlink: uint16(ip.nlink),
		Size:  ip.size,
		Gen:   ip.gen,
	}
	for i := range ip.addrs {
		di.Addrs[i] = atomic.LoadUint32(&ip.addrs[i])
	}
	copy(b.data[ioffset(ip.inum)*ISIZE:], di.pack())
	b.wunlock()
	b.addToTransaction(tr)
	fs.bcache.relse(b, "iupdate")

	if ind := atomic.LoadUint32(&ip.addrs[NDIRECT]); ind != 0 {
		if ia := ip.loadIaddrs(); ia != nil {
			ib := fs.bcache.getFill(int(ind), "iupdate ind")
			ib.wlock()
			for i := range ia {
				binary.LittleEndian.PutUint32(ib.data[i*4:], atomic.LoadUint32(&ia[i]))
			}
			ib.wunlock()
			ib.addToTransaction(tr)
			fs.bcache.relse(ib, "iupdate ind")
		}
	}
}

func (ip *inode_t) loadIaddrs() []uint32 {
	p := atomic.LoadPointer(&ip.iaddrs)
	if p == nil {
		return nil
	}
	return *(*[]uint32)(p)
}

//
// Inode cache
//

type icache_t struct {
	fs        *Fs_t
	cache     *weakcache_t
	reclaimmu sync.Mutex // serializes superblock reclaim-list updates
	lastinode []uint32   // per-CPU allocation hints
}

func mkIcache(fs *Fs_t) *icache_t {
	return &icache_t{
		fs:        fs,
		cache:     mkWeakcache(256),
		lastinode: make([]uint32, ncpu),
	}
}

// iget returns a referenced in-memory inode, loading it lazily. Lookups that
// race an eviction retry under the weakcache's victim protocol.
func (ic *icache_t) iget(inum Inum_t) *inode_t {
	ref, created := ic.cache.lookup(int(inum), func(key int) obj_i {
		ip := &inode_t{fs: ic.fs, inum: Inum_t(key)}
		ip.cv = sync.NewCond(&ip.lk)
		return ip
	})
	ip := ref.obj.(*inode_t)
	if created {
		ip.init()
	} else {
		ip.lk.Lock()
		for !ip.valid {
			ip.cv.Wait()
		}
		ip.lk.Unlock()
	}
	return ip
}

func (ic *icache_t) refdown(ip *inode_t) {
	ref := ic.lookupRef(ip)
	if ref != nil {
		ic.cache.refdown(ref)
	}
}

func (ic *icache_t) lookupRef(ip *inode_t) *objref_t {
	ic.cache.Lock()
	defer ic.cache.Unlock()
	return ic.cache.cache[int(ip.inum)]
}

//
// Inode allocation
//

// tryIalloc claims inum by compare-and-set on the in-memory type field; the
// on-disk type flips when the creating transaction commits.
func (fs *Fs_t) tryIalloc(inum Inum_t, typ int16) (*inode_t, bool) {
	ip := fs.icache.iget(inum)
	if ip.itype() != I_FREE || !atomic.CompareAndSwapInt32(&ip.typ, I_FREE, int32(typ)) {
		fs.icache.refdown(ip)
		return nil, false
	}
	ip.ilock(WRITELOCK)
	ip.seqWriteBegin()
	ip.gen++
	if ip.nlink != 0 || ip.size != 0 || ip.addrs[0] != 0 {
		panic("tryIalloc: inode not zeroed")
	}
	ip.seqWriteEnd()
	return ip, true
}

// ialloc scans the inode table circularly from this CPU's last allocation,
// claiming the first free entry. Returns a write-locked inode.
func (fs *Fs_t) ialloc(typ int16) (*inode_t, error) {
	cpu := mycpu()
	ninodes := fs.superb.Ninodes
	start := (atomic.LoadUint32(&fs.icache.lastinode[cpu]) + 1) % ninodes
	for i := uint32(0); i < ninodes; i++ {
		inum := (start + i) % ninodes
		if inum == 0 {
			continue
		}
		ip, ok := fs.tryIalloc(Inum_t(inum), typ)
		if ok {
			atomic.StoreUint32(&fs.icache.lastinode[cpu], inum)
			if fs_debug {
				dlog.Debugf("ialloc: %d type %d gen %d", inum, typ, ip.gen)
			}
			return ip, nil
		}
	}
	dlog.Warnf("ialloc: 0/%d inodes", ninodes)
	return nil, ErrOutOfInodes
}

// freeInode releases ip's on-disk slot within tr and drops it from the
// cache. Caller must not hold the inode locked and keeps its own reference.
func (fs *Fs_t) freeInode(ip *inode_t, tr *transaction_t) {
	ip.ilock(WRITELOCK)
	if ip.nlink != 0 {
		panic("freeInode: live links")
	}
	atomic.StoreInt32(&ip.typ, I_FREE)
	fs.iupdate(ip, tr)
	ip.iunlock()
}

//
// Block mapping
//

// bmap returns the device block backing file block bn of ip, allocating
// intermediate and leaf blocks as needed when tr is non-nil. Concurrent
// allocators racing on a slot are resolved by compare-and-set; the loser
// returns its block to the allocator.
func (fs *Fs_t) bmap(ip *inode_t, bn int, tr *transaction_t, zeroOnAlloc bool) (uint32, error) {
	if bn < NDIRECT {
		for {
			if addr := atomic.LoadUint32(&ip.addrs[bn]); addr != 0 {
				return addr, nil
			}
			if tr == nil {
				return 0, nil // hole; reads see zeroes
			}
			addr, err := fs.ballocTr(tr, zeroOnAlloc)
			if err != nil {
				return 0, err
			}
			if atomic.CompareAndSwapUint32(&ip.addrs[bn], 0, addr) {
				return addr, nil
			}
			tr.unallocBlock(addr)
		}
	}
	bn -= NDIRECT

	if bn < NINDIRECT {
		ia, err := fs.ensureIaddrs(ip, tr)
		if err != nil {
			return 0, err
		}
		if ia == nil {
			return 0, nil // hole
		}
		for {
			if addr := atomic.LoadUint32(&ia[bn]); addr != 0 {
				return addr, nil
			}
			if tr == nil {
				return 0, nil
			}
			addr, err := fs.ballocTr(tr, zeroOnAlloc)
			if err != nil {
				return 0, err
			}
			if atomic.CompareAndSwapUint32(&ia[bn], 0, addr) {
				// log the new indirect block contents
				ind := atomic.LoadUint32(&ip.addrs[NDIRECT])
				data := make([]byte, BSIZE)
				for i := range ia {
					binary.LittleEndian.PutUint32(data[i*4:], atomic.LoadUint32(&ia[i]))
				}
				tr.addBlockData(int(ind), data)
				return addr, nil
			}
			tr.unallocBlock(addr)
		}
	}
	bn -= NINDIRECT

	if bn >= NINDIRECT*NINDIRECT {
		panic("bmap: out of range")
	}

	// The doubly-indirect tree has no in-memory address cache; walk it
	// through the buffer cache.
	dind, err := fs.ensureAddrSlot(ip, NDIRECT+1, tr)
	if err != nil {
		return 0, err
	}
	if dind == 0 {
		return 0, nil
	}
	ind, err := fs.ensureIndSlot(ip, dind, bn/NINDIRECT, tr, true)
	if err != nil {
		return 0, err
	}
	if ind == 0 {
		return 0, nil
	}
	return fs.ensureIndSlot(ip, ind, bn%NINDIRECT, tr, zeroOnAlloc)
}

// ballocTr allocates a data block within tr, zeroing the cache copy if asked.
func (fs *Fs_t) ballocTr(tr *transaction_t, zeroOnAlloc bool) (uint32, error) {
	addr, err := fs.balloc.allocBlock(tr)
	if err != nil {
		return 0, err
	}
	if zeroOnAlloc {
		fs.bzero(addr, false)
	}
	return addr, nil
}

// ensureAddrSlot materializes addrs[slot] (an intermediate block, always
// zeroed on allocation).
func (fs *Fs_t) ensureAddrSlot(ip *inode_t, slot int, tr *transaction_t) (uint32, error) {
	for {
		if addr := atomic.LoadUint32(&ip.addrs[slot]); addr != 0 {
			return addr, nil
		}
		if tr == nil {
			return 0, nil
		}
		addr, err := fs.ballocTr(tr, true)
		if err != nil {
			return 0, err
		}
		if atomic.CompareAndSwapUint32(&ip.addrs[slot], 0, addr) {
			return addr, nil
		}
		tr.unallocBlock(addr)
	}
}

// ensureIaddrs publishes the cached indirect array, materializing the
// indirect block first if needed. Returns nil for a hole on the read path.
func (fs *Fs_t) ensureIaddrs(ip *inode_t, tr *transaction_t) ([]uint32, error) {
	for {
		if ia := ip.loadIaddrs(); ia != nil {
			return ia, nil
		}
		ind, err := fs.ensureAddrSlot(ip, NDIRECT, tr)
		if err != nil {
			return nil, err
		}
		if ind == 0 {
			return nil, nil
		}
		b := fs.bcache.getFill(int(ind), "iaddrs")
		data := b.read()
		fs.bcache.relse(b, "iaddrs")
		ia := make([]uint32, NINDIRECT)
		for i := range ia {
			ia[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		if atomic.CompareAndSwapPointer(&ip.iaddrs, nil, unsafe.Pointer(&ia)) {
			return ia, nil
		}
	}
}

// ensureIndSlot reads slot of indirect block indblk, allocating a backing
// block under the buf's write lock when missing.
func (fs *Fs_t) ensureIndSlot(ip *inode_t, indblk uint32, slot int, tr *transaction_t, zeroOnAlloc bool) (uint32, error) {
	b := fs.bcache.getFill(int(indblk), "ensureIndSlot")
	defer fs.bcache.relse(b, "ensureIndSlot")
	for {
		data := b.read()
		addr := binary.LittleEndian.Uint32(data[slot*4:])
		if addr != 0 {
			return addr, nil
		}
		if tr == nil {
			return 0, nil
		}
		b.wlock()
		if binary.LittleEndian.Uint32(b.data[slot*4:]) == 0 {
			naddr, err := fs.ballocTr(tr, zeroOnAlloc)
			if err != nil {
				b.wunlock()
				return 0, err
			}
			binary.LittleEndian.PutUint32(b.data[slot*4:], naddr)
			b.wunlock()
			b.addToTransaction(tr)
			return naddr, nil
		}
		b.wunlock()
	}
}

//
// Byte I/O
//

// readi copies up to len(dst) bytes starting at off out of ip. Holes read as
// zeroes; reads never allocate.
func (fs *Fs_t) readi(ip *inode_t, dst []byte, off int) (int, error) {
	if ip.itype() == I_DEV {
		return 0, ErrInvalid
	}
	isz := int(ip.size)
	if off > isz || off < 0 {
		return 0, ErrInvalid
	}
	n := len(dst)
	if off+n > isz {
		n = isz - off
	}
	for tot := 0; tot < n; {
		m := min(BSIZE-off%BSIZE, n-tot)
		blkno, err := fs.bmap(ip, off/BSIZE, nil, false)
		if err != nil {
			panic("readi: reads do not allocate")
		}
		if blkno == 0 {
			for i := 0; i < m; i++ {
				dst[tot+i] = 0
			}
		} else {
			b := fs.bcache.getFill(int(blkno), "readi")
			data := b.read()
			copy(dst[tot:tot+m], data[off%BSIZE:])
			fs.bcache.relse(b, "readi")
		}
		tot += m
		off += m
	}
	return n, nil
}

// writei copies src into ip at off. In journaled mode each touched block is
// appended to tr; in writeback mode (file contents) the blocks bypass the
// journal and are written straight to their home locations. A full-block
// overwrite skips the disk read.
func (fs *Fs_t) writei(ip *inode_t, src []byte, off int, tr *transaction_t, writeback bool) (int, error) {
	if ip.itype() == I_DEV {
		return 0, ErrInvalid
	}
	if off < 0 {
		return 0, ErrInvalid
	}
	n := len(src)
	if off+n > MAXFILE*BSIZE {
		n = MAXFILE*BSIZE - off
	}
	var wbbufs []*buf_t
	tot := 0
	for tot < n {
		m := min(BSIZE-off%BSIZE, n-tot)
		skipRead := off%BSIZE == 0 && m == BSIZE

		blkno, err := fs.bmap(ip, off/BSIZE, tr, !skipRead)
		if err != nil {
			dlog.Warnf("writei: %v", err)
			if tot == 0 {
				return 0, err
			}
			break
		}
		var b *buf_t
		if skipRead {
			b = fs.bcache.getNofill(int(blkno), "writei")
		} else {
			b = fs.bcache.getFill(int(blkno), "writei")
		}
		b.wlock()
		copy(b.data[off%BSIZE:], src[tot:tot+m])
		b.wunlock()
		if writeback {
			b.writebackAsync()
			wbbufs = append(wbbufs, b)
		} else {
			b.addToTransaction(tr)
			fs.bcache.relse(b, "writei")
		}
		tot += m
		off += m
	}
	for _, b := range wbbufs {
		b.iowait()
		fs.bcache.relse(b, "writei wb")
	}
	return tot, nil
}

// updateSize sets the size once after a batch of page writes.
func (fs *Fs_t) updateSize(ip *inode_t, size uint32, tr *transaction_t) {
	ip.seqWriteBegin()
	ip.size = size
	ip.seqWriteEnd()
	fs.iupdate(ip, tr)
}

//
// Truncation
//

func blockroundup(off uint32) int {
	if off%uint32(BSIZE) != 0 {
		return int(off)/BSIZE + 1
	}
	return int(off) / BSIZE
}

// itrunc frees all blocks of ip at or beyond offset, symmetrically across the
// direct, indirect and doubly-indirect levels. Intermediate blocks are freed
// only when their whole subtree goes; partially-rewritten intermediates are
// appended to tr. Freed blocks take the two-phase path through tr.
func (fs *Fs_t) itrunc(ip *inode_t, offset uint32, tr *transaction_t) {
	ip.seqWriteBegin()
	defer ip.seqWriteEnd()
	if ip.size <= offset {
		return
	}

	for i := blockroundup(offset); i < NDIRECT; i++ {
		if a := ip.addrs[i]; a != 0 {
			fs.balloc.freeBlockTx(a, tr)
			atomic.StoreUint32(&ip.addrs[i], 0)
		}
	}

	if ind := ip.addrs[NDIRECT]; ind != 0 {
		start := 0
		if offset >= uint32(NDIRECT*BSIZE) {
			start = blockroundup(offset - uint32(NDIRECT*BSIZE))
		}
		b := fs.bcache.getFill(int(ind), "itrunc ind")
		b.wlock()
		if ia := ip.loadIaddrs(); ia != nil {
			for i := range ia {
				binary.LittleEndian.PutUint32(b.data[i*4:], ia[i])
			}
		}
		for i := start; i < NINDIRECT; i++ {
			if a := binary.LittleEndian.Uint32(b.data[i*4:]); a != 0 {
				fs.balloc.freeBlockTx(a, tr)
				binary.LittleEndian.PutUint32(b.data[i*4:], 0)
			}
		}
		b.wunlock()
		if start != 0 {
			b.addToTransaction(tr)
		}
		fs.bcache.relse(b, "itrunc ind")

		if start == 0 {
			fs.balloc.freeBlockTx(ind, tr)
			atomic.StoreUint32(&ip.addrs[NDIRECT], 0)
		}
		atomic.StorePointer(&ip.iaddrs, nil)
	}

	if dind := ip.addrs[NDIRECT+1]; dind != 0 {
		bno := 0
		if offset >= uint32((NDIRECT+NINDIRECT)*BSIZE) {
			bno = blockroundup(offset - uint32((NDIRECT+NINDIRECT)*BSIZE))
		}
		b1 := fs.bcache.getFill(int(dind), "itrunc dind")
		b1.wlock()
		for i := bno / NINDIRECT; i < NINDIRECT; i++ {
			a1 := binary.LittleEndian.Uint32(b1.data[i*4:])
			if a1 == 0 {
				continue
			}
			start := 0
			if i == bno/NINDIRECT {
				start = bno % NINDIRECT
			}
			b2 := fs.bcache.getFill(int(a1), "itrunc dind2")
			b2.wlock()
			for j := start; j < NINDIRECT; j++ {
				if a2 := binary.LittleEndian.Uint32(b2.data[j*4:]); a2 != 0 {
					fs.balloc.freeBlockTx(a2, tr)
					binary.LittleEndian.PutUint32(b2.data[j*4:], 0)
				}
			}
			b2.wunlock()
			if start != 0 {
				b2.addToTransaction(tr)
			}
			fs.bcache.relse(b2, "itrunc dind2")
			if start == 0 {
				fs.balloc.freeBlockTx(a1, tr)
				binary.LittleEndian.PutUint32(b1.data[i*4:], 0)
			}
		}
		b1.wunlock()
		if bno != 0 {
			b1.addToTransaction(tr)
		}
		fs.bcache.relse(b1, "itrunc dind")
		if bno == 0 {
			fs.balloc.freeBlockTx(dind, tr)
			atomic.StoreUint32(&ip.addrs[NDIRECT+1], 0)
		}
	}

	ip.size = offset
}

// dropBufcache removes this file's clean blocks from the buffer cache, for
// the eviction knob.
func (fs *Fs_t) dropBufcache(ip *inode_t) {
	for i := 0; i < NDIRECT; i++ {
		if a := atomic.LoadUint32(&ip.addrs[i]); a != 0 {
			fs.bcache.drop(int(a))
		}
	}
	if ind := atomic.LoadUint32(&ip.addrs[NDIRECT]); ind != 0 {
		b := fs.bcache.getFill(int(ind), "dropBufcache")
		data := b.read()
		fs.bcache.relse(b, "dropBufcache")
		for i := 0; i < NINDIRECT; i++ {
			if a := binary.LittleEndian.Uint32(data[i*4:]); a != 0 {
				fs.bcache.drop(int(a))
			}
		}
		fs.bcache.drop(int(ind))
	}
	if dind := atomic.LoadUint32(&ip.addrs[NDIRECT+1]); dind != 0 {
		b1 := fs.bcache.getFill(int(dind), "dropBufcache")
		d1 := b1.read()
		fs.bcache.relse(b1, "dropBufcache")
		for i := 0; i < NINDIRECT; i++ {
			a1 := binary.LittleEndian.Uint32(d1[i*4:])
			if a1 == 0 {
				continue
			}
			b2 := fs.bcache.getFill(int(a1), "dropBufcache")
			d2 := b2.read()
			fs.bcache.relse(b2, "dropBufcache")
			for j := 0; j < NINDIRECT; j++ {
				if a2 := binary.LittleEndian.Uint32(d2[j*4:]); a2 != 0 {
					fs.bcache.drop(int(a2))
				}
			}
			fs.bcache.drop(int(a1))
		}
		fs.bcache.drop(int(dind))
	}
}
