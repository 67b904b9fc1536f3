package fs

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Glue between the in-memory object layer and the on-disk filesystem.
// mnum -> inum and inum -> mnum are inverse partial functions; both sides are
// installed atomically under the per-mnum lock at create-on-disk time.

func (fs *Fs_t) inumLookup(mnum Mnum_t) (Inum_t, bool) {
	fs.mapmu.Lock()
	defer fs.mapmu.Unlock()
	inum, ok := fs.mnumToInum[mnum]
	return inum, ok
}

func (fs *Fs_t) mnumLookup(inum Inum_t) (Mnum_t, bool) {
	fs.mapmu.Lock()
	defer fs.mapmu.Unlock()
	mnum, ok := fs.inumToMnum[inum]
	return mnum, ok
}

func (fs *Fs_t) setMapping(mnum Mnum_t, inum Inum_t) {
	fs.mapmu.Lock()
	fs.mnumToInum[mnum] = inum
	fs.inumToMnum[inum] = mnum
	fs.mapmu.Unlock()
}

func (fs *Fs_t) clearMapping(mnum Mnum_t, inum Inum_t) {
	fs.mapmu.Lock()
	delete(fs.mnumToInum, mnum)
	delete(fs.inumToMnum, inum)
	fs.mapmu.Unlock()
}

func (fs *Fs_t) allocMnodeLock(mnum Mnum_t) {
	fs.mlockmu.Lock()
	fs.mnumToLock[mnum] = &sync.Mutex{}
	fs.mlockmu.Unlock()
}

func (fs *Fs_t) freeMnodeLock(mnum Mnum_t) {
	fs.mlockmu.Lock()
	delete(fs.mnumToLock, mnum)
	fs.mlockmu.Unlock()
}

func (fs *Fs_t) mnodeLock(mnum Mnum_t) *sync.Mutex {
	fs.mlockmu.Lock()
	defer fs.mlockmu.Unlock()
	lk, ok := fs.mnumToLock[mnum]
	if !ok {
		panic("mnodeLock: no lock for mnum")
	}
	return lk
}

func (fs *Fs_t) allocMetadataLog(mnum Mnum_t) {
	fs.mlogmu.Lock()
	fs.metadataLogs[mnum] = mkOplog()
	fs.mlogmu.Unlock()
}

func (fs *Fs_t) freeMetadataLog(mnum Mnum_t) {
	fs.mlogmu.Lock()
	delete(fs.metadataLogs, mnum)
	fs.mlogmu.Unlock()
}

func (fs *Fs_t) metadataLog(mnum Mnum_t) *oplog_t {
	fs.mlogmu.Lock()
	defer fs.mlogmu.Unlock()
	l, ok := fs.metadataLogs[mnum]
	if !ok {
		panic("metadataLog: no log for mnum")
	}
	return l
}

// getInode returns the inode an mnum is mapped to; the mapping must exist.
func (fs *Fs_t) getInode(mnum Mnum_t, str string) *inode_t {
	inum, ok := fs.inumLookup(mnum)
	if !ok {
		panic(str + ": no inode mapping for mnode")
	}
	return fs.icache.iget(inum)
}

// allocInodeForMnode returns mnum's inode, allocating one on first use.
// Returns the inode write-locked.
func (fs *Fs_t) allocInodeForMnode(mnum Mnum_t, typ int16) (*inode_t, error) {
	lk := fs.mnodeLock(mnum)
	lk.Lock()
	defer lk.Unlock()

	if inum, ok := fs.inumLookup(mnum); ok {
		ip := fs.icache.iget(inum)
		ip.ilock(WRITELOCK)
		return ip, nil
	}
	ip, err := fs.ialloc(typ)
	if err != nil {
		return nil, err
	}
	fs.setMapping(mnum, ip.inum)
	return ip, nil
}

// createFileDirIfNew materializes mnum on disk if it has no inode mapping
// yet. A new directory is initialized with its ".." record, which may force
// the parent's inode into existence first.
func (fs *Fs_t) createFileDirIfNew(mnum, parentMnum Mnum_t, mtype mtype_t, tr *transaction_t) (Inum_t, error) {
	var parentInum Inum_t
	if mtype == MT_DIR {
		var ok bool
		parentInum, ok = fs.inumLookup(parentMnum)
		if !ok {
			pip, err := fs.allocInodeForMnode(parentMnum, I_DIR)
			if err != nil {
				return 0, err
			}
			parentInum = pip.inum
			pip.iunlock()
			fs.icache.refdown(pip)
		}
	}

	ityp := int16(I_FILE)
	if mtype == MT_DIR {
		ityp = I_DIR
	} else if mtype == MT_DEV {
		ityp = I_DEV
	}
	ip, err := fs.allocInodeForMnode(mnum, ityp)
	if err != nil {
		return 0, err
	}
	switch mtype {
	case MT_DIR:
		if err := fs.dirlink(ip, "..", parentInum, false, tr); err != nil && err != ErrExists {
			panic("createFileDirIfNew: dirlink ..")
		}
	default:
		fs.iupdate(ip, tr)
	}
	inum := ip.inum
	ip.iunlock()
	fs.icache.refdown(ip)
	return inum, nil
}

// createDirectoryEntry writes the directory record for a name that exists in
// memory but not on disk yet.
func (fs *Fs_t) createDirectoryEntry(mdirMnum Mnum_t, name string, direntMnum Mnum_t, mtype mtype_t, tr *transaction_t) {
	mdir := fs.getInode(mdirMnum, "createDirectoryEntry")
	defer fs.icache.refdown(mdir)

	direntInum, ok := fs.inumLookup(direntMnum)
	if !ok {
		panic("createDirectoryEntry: no mapping for dirent mnode")
	}

	if di, ok := fs.dirlookup(mdir, name); ok {
		if di.inum == direntInum {
			return
		}
		// the name refers to a different inode now; unlink the old one to
		// make way for this mapping
		fs.unlinkOldInode(mdirMnum, name, tr)
	}

	mdir.ilock(WRITELOCK)
	err := fs.dirlink(mdir, name, direntInum, mtype == MT_DIR, tr)
	mdir.iunlock()
	if err != nil {
		panic("createDirectoryEntry: dirlink failed")
	}
}

// unlinkOldInode removes name from the on-disk directory. If the target's
// link count drops to zero it is deleted right away, unless open references
// remain, in which case reclamation is deferred to the next boot via the
// superblock list.
func (fs *Fs_t) unlinkOldInode(mdirMnum Mnum_t, name string, tr *transaction_t) {
	dp := fs.getInode(mdirMnum, "unlinkOldInode")
	defer fs.icache.refdown(dp)

	di, ok := fs.dirlookup(dp, name)
	if !ok {
		return
	}
	target := fs.icache.iget(di.inum)

	dp.ilock(WRITELOCK)
	if err := fs.dirunlink(dp, name, di.inum, target.itype() == I_DIR, tr); err != nil {
		panic("unlinkOldInode: dirunlink failed")
	}
	dp.iunlock()

	if target.nlink == 0 {
		if mnum, ok := fs.mnumLookup(target.inum); ok {
			m := fs.mget(mnum)
			if m != nil && fs.openrefs(m) > 0 {
				// open file descriptors remain; reclaim the inode on reboot
				fs.deferInodeReclaim(target.inum)
			} else {
				fs.deleteOldInode(mnum, tr)
			}
		} else {
			fs.reclaimInode(target, tr)
		}
	}
	fs.icache.refdown(target)
}

// deleteOldInode removes mnum's inode and contents from the disk and retires
// the mnode's bookkeeping.
func (fs *Fs_t) deleteOldInode(mnum Mnum_t, tr *transaction_t) {
	ip := fs.getInode(mnum, "deleteOldInode")

	ip.ilock(WRITELOCK)
	fs.itrunc(ip, 0, tr)
	ip.iunlock()

	fs.clearMapping(mnum, ip.inum)
	fs.freeMetadataLog(mnum)
	fs.freeMnodeLock(mnum)
	fs.mremove(mnum)
	fs.freeInode(ip, tr)
	fs.icache.refdown(ip)
	fs.icache.cache.remove(int(ip.inum))
}

// reclaimInode truncates and frees an inode with no mnode bookkeeping left.
// The caller still owns its reference.
func (fs *Fs_t) reclaimInode(ip *inode_t, tr *transaction_t) {
	ip.ilock(WRITELOCK)
	fs.itrunc(ip, 0, tr)
	ip.iunlock()
	fs.freeInode(ip, tr)
	fs.icache.cache.remove(int(ip.inum))
}

// truncateFile shrinks mnum's on-disk file to offset.
func (fs *Fs_t) truncateFile(mnum Mnum_t, offset uint32, tr *transaction_t) {
	ip := fs.getInode(mnum, "truncateFile")
	ip.ilock(WRITELOCK)
	fs.itrunc(ip, offset, tr)
	fs.iupdate(ip, tr)
	ip.iunlock()
	fs.icache.refdown(ip)
}

// syncFile flushes m's dirty pages through the writeback path (file contents
// bypass the journal) and updates the on-disk size within tr.
func (fs *Fs_t) syncFile(m *mnode_t, tr *transaction_t) {
	ip := fs.getInode(m.mnum, "syncFile")
	defer fs.icache.refdown(ip)

	m.pmu.Lock()
	defer m.pmu.Unlock()

	ip.ilock(WRITELOCK)
	defer ip.iunlock()

	for idx, pg := range m.pages {
		if !pg.dirty {
			continue
		}
		off := idx * BSIZE
		n := BSIZE
		if off+n > int(m.msize) {
			n = int(m.msize) - off
		}
		if n <= 0 {
			continue
		}
		if _, err := fs.writei(ip, pg.data[:n], off, tr, true); err != nil {
			panic("syncFile: writei failed")
		}
		pg.dirty = false
	}
	if ip.size > m.msize {
		fs.itrunc(ip, m.msize, tr)
	}
	fs.updateSize(ip, m.msize, tr)
}

// deferInodeReclaim records inum in the superblock's reclaim list; recovery
// frees it on the next boot.
func (fs *Fs_t) deferInodeReclaim(inum Inum_t) {
	fs.icache.reclaimmu.Lock()
	defer fs.icache.reclaimmu.Unlock()

	sb := &fs.superb
	if sb.NumReclaimInodes >= NRECLAIM_INODES {
		dlog.Warnf("deferInodeReclaim: no space to mark inode %d for deferred reclaim", inum)
		return
	}
	sb.ReclaimInodes[sb.NumReclaimInodes] = uint32(inum)
	sb.NumReclaimInodes++
	fs.writesb()
}

//
// Loading the in-memory tree from disk
//

// mnodeAlloc creates an mnode already backed by inum.
func (fs *Fs_t) mnodeAlloc(inum Inum_t, mtype mtype_t) *mnode_t {
	m := fs.allocMnode(mtype)
	fs.setMapping(m.mnum, inum)
	return m
}

// loadDirEntry returns the mnode for inum, creating one from the on-disk
// inode if necessary.
func (fs *Fs_t) loadDirEntry(inum Inum_t, parent *mnode_t) *mnode_t {
	if mnum, ok := fs.mnumLookup(inum); ok {
		return fs.mget(mnum)
	}
	ip := fs.icache.iget(inum)
	defer fs.icache.refdown(ip)
	var m *mnode_t
	switch ip.itype() {
	case I_DIR:
		m = fs.mnodeAlloc(inum, MT_DIR)
		m.parent = parent.mnum
	case I_FILE:
		m = fs.mnodeAlloc(inum, MT_FILE)
	case I_DEV:
		m = fs.mnodeAlloc(inum, MT_DEV)
		m.major, m.minor = ip.major, ip.minor
	default:
		return nil
	}
	return m
}

// loadDir populates a directory mnode from its on-disk records.
func (fs *Fs_t) loadDir(ip *inode_t, m *mnode_t) {
	fs.dirInit(ip)
	ip.dirmu.Lock()
	names := make(map[string]Inum_t, len(ip.dents))
	for name, di := range ip.dents {
		names[name] = di.inum
	}
	ip.dirmu.Unlock()

	for name, inum := range names {
		if name == "." || name == ".." {
			continue
		}
		mf := fs.loadDirEntry(inum, m)
		if mf == nil {
			continue
		}
		if m.dinsert(name, mf.mnum) {
			atomic.AddInt32(&mf.links, 1)
		}
	}
}

// initializeDir populates the in-memory directory the first time it is
// referred to.
func (fs *Fs_t) initializeDir(m *mnode_t) {
	m.dmu.Lock()
	loaded := m.dents != nil && m.loaded
	m.dmu.Unlock()
	if loaded {
		return
	}
	if _, ok := fs.inumLookup(m.mnum); !ok {
		// never persisted; nothing to load
		m.dmu.Lock()
		m.loaded = true
		m.dmu.Unlock()
		return
	}
	ip := fs.getInode(m.mnum, "initializeDir")
	fs.loadDir(ip, m)
	fs.icache.refdown(ip)
	m.dmu.Lock()
	m.loaded = true
	m.dmu.Unlock()
}

// loadRoot maps the on-disk root directory to its mnode.
func (fs *Fs_t) loadRoot() *mnode_t {
	if mnum, ok := fs.mnumLookup(ROOTINUM); ok {
		return fs.mget(mnum)
	}
	ip := fs.icache.iget(ROOTINUM)
	if ip.itype() != I_DIR {
		panic("loadRoot: root is not a directory")
	}
	fs.icache.refdown(ip)
	m := fs.mnodeAlloc(ROOTINUM, MT_DIR)
	m.parent = m.mnum
	return m
}

//
// Cache-eviction knobs
//

// evictBufcache drops the clean buffer-cache blocks of every mapped file.
func (fs *Fs_t) evictBufcache() {
	dlog.Info("evict_caches: dropping buffer-cache blocks")
	fs.mapmu.Lock()
	inums := make([]Inum_t, 0, len(fs.inumToMnum))
	for inum := range fs.inumToMnum {
		inums = append(inums, inum)
	}
	fs.mapmu.Unlock()
	for _, inum := range inums {
		ip := fs.icache.iget(inum)
		if ip.itype() == I_FILE {
			ip.ilock(READLOCK)
			fs.dropBufcache(ip)
			ip.iunlock()
		}
		fs.icache.refdown(ip)
	}
	fs.bcache.evictClean()
}

// evictPagecache drops clean page-cache pages of every initialized file.
func (fs *Fs_t) evictPagecache() {
	dlog.Info("evict_caches: dropping page-cache pages")
	fs.mmu.Lock()
	ms := make([]*mnode_t, 0, len(fs.mnodes))
	for _, m := range fs.mnodes {
		ms = append(ms, m)
	}
	fs.mmu.Unlock()
	for _, m := range ms {
		if m.mtype == MT_FILE && m.initialized {
			m.dropPagecache()
		}
	}
}

// EvictCaches is the device-file knob: '1' drops buffer-cache blocks, '2'
// drops page-cache pages.
func (fs *Fs_t) EvictCaches(c byte) error {
	switch c {
	case '1':
		fs.evictBufcache()
	case '2':
		fs.evictPagecache()
	default:
		dlog.Warnf("evict_caches: invalid option %c", c)
		return ErrInvalid
	}
	return nil
}

// BlkStatsRead returns the textual free-block count served by the
// block-stats device.
func (fs *Fs_t) BlkStatsRead() string {
	return "Num free blocks: " + strconv.FormatInt(fs.balloc.freeBlockCount(), 10) +
		" / " + strconv.FormatInt(int64(fs.superb.Size), 10) + "\n"
}
