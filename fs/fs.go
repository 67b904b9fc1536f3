package fs

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
)

// Fs_t ties the core together: the buffer and inode caches over the block
// device, the block allocator, the physical journal, the in-memory object
// layer and its per-object logical logs. Constructed at boot by StartFS and
// threaded through every entry point.
type Fs_t struct {
	disk   disk.Disk
	superb Superblock_t

	bcache *bcache_t
	icache *icache_t
	balloc *ballocater_t
	jrnl   *journal_t

	// mnum <-> inum mappings
	mapmu      sync.Mutex
	mnumToInum map[Mnum_t]Inum_t
	inumToMnum map[Inum_t]Mnum_t

	// per-mnum create-on-disk locks
	mlockmu    sync.Mutex
	mnumToLock map[Mnum_t]*sync.Mutex

	// per-mnum logical logs
	mlogmu       sync.Mutex
	metadataLogs map[Mnum_t]*oplog_t

	// live mnodes
	mmu      sync.Mutex
	mnodes   map[Mnum_t]*mnode_t
	nextmnum uint64

	rootMnum Mnum_t
}

// StartFS mounts the filesystem on d: replay the journal, rebuild the free
// bit views, reclaim inodes whose deletion a crash deferred, and load the
// root directory.
func StartFS(d disk.Disk) (*Fs_t, error) {
	fs := &Fs_t{
		disk:         d,
		mnumToInum:   make(map[Mnum_t]Inum_t),
		inumToMnum:   make(map[Inum_t]Mnum_t),
		mnumToLock:   make(map[Mnum_t]*sync.Mutex),
		metadataLogs: make(map[Mnum_t]*oplog_t),
		mnodes:       make(map[Mnum_t]*mnode_t),
	}
	fs.bcache = mkBcache(fs)
	fs.icache = mkIcache(fs)

	if err := fs.readsb(); err != nil {
		return nil, err
	}
	if fs.superb.Size == 0 || fs.superb.Size > uint32(d.Size()) {
		panic("StartFS: bad superblock")
	}

	// check the journal and reapply committed transactions
	fs.jrnl = mkJournal(fs)
	fs.jrnl.processJournal()

	// replay may have rewritten the root directory; reload it lazily
	fs.icache.cache.remove(ROOTINUM)

	// build the free bit views after replay, since replayed transactions may
	// include bitmap updates
	fs.balloc = mkBallocater(fs)

	fs.reclaimDeferredInodes()

	fs.rootMnum = fs.loadRoot().mnum
	return fs, nil
}

// StopFS makes everything durable. The next StartFS finds an empty journal.
func (fs *Fs_t) StopFS() {
	fs.SyncAll()
}

func (fs *Fs_t) Root() *mnode_t {
	return fs.mget(fs.rootMnum)
}

// reclaimDeferredInodes frees the inodes named by the superblock's reclaim
// list: each is truncated and freed in a fresh transaction, the slot is
// cleared, the journal is flushed, and the superblock is persisted.
func (fs *Fs_t) reclaimDeferredInodes() {
	sb := &fs.superb
	if sb.NumReclaimInodes == 0 {
		return
	}
	dlog.Infof("reclaiming %d deferred inode(s)", sb.NumReclaimInodes)

	fs.jrnl.mu.Lock()
	for i := uint32(0); i < sb.NumReclaimInodes; i++ {
		inum := Inum_t(sb.ReclaimInodes[i])
		if inum == 0 {
			continue
		}
		ip := fs.icache.iget(inum)
		if ip.itype() == I_FREE || ip.nlink > 0 {
			// already reclaimed, or the unlink that queued this inode never
			// committed before the crash
			fs.icache.refdown(ip)
			sb.ReclaimInodes[i] = 0
			continue
		}
		tr := fs.mkTransaction(readtsc())
		fs.reclaimInode(ip, tr)
		fs.icache.refdown(ip)
		fs.jrnl.addTransactionLocked(tr)
		sb.ReclaimInodes[i] = 0
	}
	fs.jrnl.flushJournalLocked()
	fs.jrnl.mu.Unlock()

	sb.NumReclaimInodes = 0
	fs.writesb()
}

//
// Metadata operations. Each updates the in-memory object tree and appends
// operation records to the per-object logs; the disk sees nothing until
// fsync.
//

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalid
	}
	if len(name) > DIRSIZ {
		return ErrNameTooLong
	}
	return nil
}

// Lookup resolves one name in directory dir.
func (fs *Fs_t) Lookup(dir *mnode_t, name string) (*mnode_t, error) {
	if !dir.isDir() {
		return nil, ErrNotDir
	}
	fs.initializeDir(dir)
	if name == ".." {
		dir.dmu.Lock()
		parent := dir.parent
		dir.dmu.Unlock()
		return fs.mget(parent), nil
	}
	cm, ok := dir.dlookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	m := fs.mget(cm)
	if m == nil {
		// raced a concurrent delete; the caller restarts the lookup
		return nil, ErrRetry
	}
	return m, nil
}

// postOp appends one record to mnum's log inside a start/end interval.
func (fs *Fs_t) postOp(mnum Mnum_t, op op_t) {
	l := fs.metadataLog(mnum)
	cpu := mycpu()
	l.opStart(cpu)
	l.addOp(cpu, op)
	l.opEnd(cpu)
	if fs_debug {
		dlog.Debugf("postOp: %v ts %d on log %d", op.kind, op.timestamp, mnum)
	}
}

func (fs *Fs_t) create(dir *mnode_t, name string, mtype mtype_t, major, minor uint16) (*mnode_t, error) {
	if !dir.isDir() {
		return nil, ErrNotDir
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	fs.initializeDir(dir)

	m := fs.allocMnode(mtype)
	m.major, m.minor = major, minor
	if !dir.dinsert(name, m.mnum) {
		fs.freeMetadataLog(m.mnum)
		fs.freeMnodeLock(m.mnum)
		fs.mremove(m.mnum)
		return nil, ErrExists
	}
	m.links = 1
	if mtype == MT_DIR {
		m.parent = dir.mnum
	}

	fs.postOp(m.mnum, op_t{
		kind: op_create, timestamp: readtsc(),
		mnum: m.mnum, parent: dir.mnum, mtype: mtype,
	})
	fs.postOp(dir.mnum, op_t{
		kind: op_link, timestamp: readtsc(),
		mnum: m.mnum, parent: dir.mnum, name: name, mtype: mtype,
	})
	return m, nil
}

// Create makes a new file under dir.
func (fs *Fs_t) Create(dir *mnode_t, name string) (*mnode_t, error) {
	return fs.create(dir, name, MT_FILE, 0, 0)
}

// MkDir makes a new directory under dir.
func (fs *Fs_t) MkDir(dir *mnode_t, name string) (*mnode_t, error) {
	return fs.create(dir, name, MT_DIR, 0, 0)
}

// MkNod makes a device node under dir.
func (fs *Fs_t) MkNod(dir *mnode_t, name string, major, minor uint16) (*mnode_t, error) {
	return fs.create(dir, name, MT_DEV, major, minor)
}

// Link adds another name for a file.
func (fs *Fs_t) Link(dir *mnode_t, name string, m *mnode_t) error {
	if !dir.isDir() {
		return ErrNotDir
	}
	if m.isDir() {
		return ErrIsDir
	}
	if err := checkName(name); err != nil {
		return err
	}
	fs.initializeDir(dir)
	if !dir.dinsert(name, m.mnum) {
		return ErrExists
	}
	m.linkup()

	fs.postOp(dir.mnum, op_t{
		kind: op_link, timestamp: readtsc(),
		mnum: m.mnum, parent: dir.mnum, name: name, mtype: m.mtype,
	})
	return nil
}

// Unlink removes name from dir. A directory must be empty. The object's
// on-disk state survives until the last open reference drops.
func (fs *Fs_t) Unlink(dir *mnode_t, name string) error {
	if !dir.isDir() {
		return ErrNotDir
	}
	if err := checkName(name); err != nil {
		return err
	}
	fs.initializeDir(dir)

	cm, ok := dir.dlookup(name)
	if !ok {
		return ErrNotFound
	}
	m := fs.mget(cm)
	if m == nil {
		return ErrNotFound
	}
	if m.isDir() {
		fs.initializeDir(m)
		if !m.dempty() {
			return ErrNotEmpty
		}
	}
	if !dir.dremove(name, cm) {
		return ErrNotFound
	}
	left := m.linkdown()

	fs.postOp(dir.mnum, op_t{
		kind: op_unlink, timestamp: readtsc(),
		mnum: m.mnum, parent: dir.mnum, name: name,
	})
	if left == 0 && fs.openrefs(m) == 0 {
		fs.postDelete(m)
	}
	return nil
}

// Rename moves src/oldName to dst/newName. The two halves share one
// timestamp and always commit in a single transaction or not at all. Moving
// a directory across parents posts rename barriers on every ancestor of the
// destination so fsync flushes parents first.
func (fs *Fs_t) Rename(src *mnode_t, oldName string, dst *mnode_t, newName string) error {
	if !src.isDir() || !dst.isDir() {
		return ErrNotDir
	}
	if err := checkName(oldName); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}
	fs.initializeDir(src)
	fs.initializeDir(dst)

	cm, ok := src.dlookup(oldName)
	if !ok {
		return ErrNotFound
	}
	m := fs.mget(cm)
	if m == nil {
		return ErrNotFound
	}
	if src.mnum == dst.mnum && oldName == newName {
		return nil
	}
	if m.isDir() {
		// the moved directory must not be an ancestor of its destination
		for a := dst; ; {
			if a.mnum == m.mnum {
				return ErrInvalid
			}
			if a.mnum == fs.rootMnum {
				break
			}
			a = fs.mget(a.parent)
		}
	}

	// replace an existing destination
	if om, ok := dst.dlookup(newName); ok {
		if om == m.mnum {
			return nil
		}
		if err := fs.Unlink(dst, newName); err != nil {
			return err
		}
	}

	if m.isDir() && src.mnum != dst.mnum {
		fs.postRenameBarriers(dst)
		m.dmu.Lock()
		m.parent = dst.mnum
		m.dmu.Unlock()
	}

	if !src.dremove(oldName, m.mnum) {
		return ErrNotFound
	}
	if !dst.dinsert(newName, m.mnum) {
		panic("Rename: destination name reappeared")
	}

	ts := readtsc()
	fs.postOp(dst.mnum, op_t{
		kind: op_rename_link, timestamp: ts,
		mnum: m.mnum, srcParent: src.mnum, dstParent: dst.mnum,
		name: newName, mtype: m.mtype,
	})
	fs.postOp(src.mnum, op_t{
		kind: op_rename_unlink, timestamp: ts,
		mnum: m.mnum, srcParent: src.mnum, dstParent: dst.mnum,
		name: oldName, mtype: m.mtype,
	})
	return nil
}

// postRenameBarriers posts a barrier record on dst and each of its
// ancestors, root first, so the parent chain flushes top-down.
func (fs *Fs_t) postRenameBarriers(dst *mnode_t) {
	var chain []*mnode_t
	for a := dst; ; {
		chain = append(chain, a)
		if a.mnum == fs.rootMnum {
			break
		}
		a = fs.mget(a.parent)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		a := chain[i]
		a.dmu.Lock()
		parent := a.parent
		a.dmu.Unlock()
		fs.postOp(a.mnum, op_t{
			kind: op_rename_barrier, timestamp: readtsc(),
			mnum: a.mnum, parent: parent,
		})
	}
}

//
// fsync and sync
//

// Fsync makes every operation on m's log up to now durable, together with
// everything transitively reachable through dependency edges. For files the
// dirty pages then flush through the writeback path, after the resolver has
// run.
func (fs *Fs_t) Fsync(m *mnode_t) error {
	return fs.fsyncUpto(m, readtsc())
}

func (fs *Fs_t) fsyncUpto(m *mnode_t, tsCap uint64) error {
	if fs_debug {
		dlog.Debugf("fsync: mnum %d cap %d", m.mnum, tsCap)
	}
	if err := fs.processMetadataLog(tsCap, m.mnum); err != nil {
		return err
	}

	fs.jrnl.mu.Lock()
	defer fs.jrnl.mu.Unlock()
	if m.mtype == MT_FILE {
		if _, ok := fs.inumLookup(m.mnum); ok {
			tr := fs.mkTransaction(readtsc())
			fs.syncFile(m, tr)
			fs.jrnl.addTransactionLocked(tr)
		}
	}
	fs.jrnl.flushJournalLocked()
	return nil
}

// SyncAll drives the resolver over every live log and flushes all dirty file
// pages; on return the on-disk state reflects everything up to the sync
// point.
func (fs *Fs_t) SyncAll() error {
	tsCap := readtsc()

	visited := make(map[Mnum_t]bool)
	for {
		fs.mlogmu.Lock()
		var next Mnum_t
		found := false
		for mnum, l := range fs.metadataLogs {
			if !visited[mnum] && !l.empty() {
				next = mnum
				found = true
				break
			}
		}
		fs.mlogmu.Unlock()
		if !found {
			break
		}
		visited[next] = true
		if err := fs.processMetadataLog(tsCap, next); err != nil {
			return err
		}
	}

	fs.mmu.Lock()
	var files []*mnode_t
	for _, m := range fs.mnodes {
		if m.mtype == MT_FILE && m.initialized {
			files = append(files, m)
		}
	}
	fs.mmu.Unlock()

	fs.jrnl.mu.Lock()
	defer fs.jrnl.mu.Unlock()
	for _, m := range files {
		if _, ok := fs.inumLookup(m.mnum); !ok {
			continue
		}
		tr := fs.mkTransaction(readtsc())
		fs.syncFile(m, tr)
		fs.jrnl.addTransactionLocked(tr)
	}
	fs.jrnl.flushJournalLocked()
	return nil
}
