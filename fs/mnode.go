package fs

import (
	"sync"
	"sync/atomic"
)

// In-memory filesystem objects. An mnode is what system calls operate on;
// its metadata mutations become records on its logical log and reach the
// disk only through fsync. mnums are process-unique and never reused.

type mtype_t uint8

const (
	MT_FILE mtype_t = 1
	MT_DIR  mtype_t = 2
	MT_DEV  mtype_t = 3
)

type mpage_t struct {
	data  []byte
	dirty bool
}

type mnode_t struct {
	fs    *Fs_t
	mnum  Mnum_t
	mtype mtype_t

	// open references (file descriptors and the like). The on-disk inode of
	// an unlinked object survives until the last open reference drops.
	openref int64

	// links from directory entries in the in-memory tree
	links int32

	// directory payload
	dmu          sync.Mutex
	dents        map[string]Mnum_t
	parent       Mnum_t
	loaded       bool // on-disk records merged into dents

	// file payload: page cache keyed by page index; dirty pages flush on
	// fsync through the writeback path
	pmu         sync.Mutex
	pages       map[int]*mpage_t
	msize       uint32
	initialized bool

	// device payload
	major, minor uint16
}

func (m *mnode_t) isDir() bool {
	return m.mtype == MT_DIR
}

// allocMnode creates a fresh mnode with its logical log and per-object lock.
func (fs *Fs_t) allocMnode(mtype mtype_t) *mnode_t {
	m := &mnode_t{
		fs:    fs,
		mnum:  Mnum_t(atomic.AddUint64(&fs.nextmnum, 1)),
		mtype: mtype,
	}
	if mtype == MT_DIR {
		m.dents = make(map[string]Mnum_t)
	}
	if mtype == MT_FILE {
		m.pages = make(map[int]*mpage_t)
	}
	fs.mmu.Lock()
	fs.mnodes[m.mnum] = m
	fs.mmu.Unlock()
	fs.allocMnodeLock(m.mnum)
	fs.allocMetadataLog(m.mnum)
	return m
}

func (fs *Fs_t) mget(mnum Mnum_t) *mnode_t {
	fs.mmu.Lock()
	defer fs.mmu.Unlock()
	return fs.mnodes[mnum]
}

func (fs *Fs_t) mremove(mnum Mnum_t) {
	fs.mmu.Lock()
	delete(fs.mnodes, mnum)
	fs.mmu.Unlock()
}

// Openref / Closeref bracket an open handle on m. The last close of an
// object with no remaining links posts its delete record.
func (fs *Fs_t) Openref(m *mnode_t) {
	atomic.AddInt64(&m.openref, 1)
}

func (fs *Fs_t) Closeref(m *mnode_t) {
	v := atomic.AddInt64(&m.openref, -1)
	if v < 0 {
		panic("Closeref: no open ref")
	}
	if v == 0 && atomic.LoadInt32(&m.links) == 0 {
		fs.postDelete(m)
	}
}

func (fs *Fs_t) openrefs(m *mnode_t) int64 {
	return atomic.LoadInt64(&m.openref)
}

func (m *mnode_t) linkup() int32 {
	return atomic.AddInt32(&m.links, 1)
}

func (m *mnode_t) linkdown() int32 {
	v := atomic.AddInt32(&m.links, -1)
	if v < 0 {
		panic("linkdown: negative link count")
	}
	return v
}

// postDelete appends the delete record to m's own log.
func (fs *Fs_t) postDelete(m *mnode_t) {
	l, ok := fs.metadataLogOk(m.mnum)
	if !ok {
		// the resolver already retired this object
		return
	}
	cpu := mycpu()
	l.opStart(cpu)
	l.addOp(cpu, op_t{kind: op_delete, timestamp: readtsc(), mnum: m.mnum})
	l.opEnd(cpu)
}

//
// Directory payload
//

func (m *mnode_t) dlookup(name string) (Mnum_t, bool) {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	c, ok := m.dents[name]
	return c, ok
}

func (m *mnode_t) dinsert(name string, child Mnum_t) bool {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	if _, ok := m.dents[name]; ok {
		return false
	}
	m.dents[name] = child
	return true
}

func (m *mnode_t) dremove(name string, child Mnum_t) bool {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	if c, ok := m.dents[name]; !ok || c != child {
		return false
	}
	delete(m.dents, name)
	return true
}

func (m *mnode_t) dempty() bool {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	return len(m.dents) == 0
}

//
// File payload
//

// initializeFile sets the in-memory size from the on-disk inode the first
// time the file is touched, so page reads can tell a demand-load from a
// fresh page.
func (fs *Fs_t) initializeFile(m *mnode_t) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if m.initialized {
		return
	}
	if inum, ok := fs.inumLookup(m.mnum); ok {
		ip := fs.icache.iget(inum)
		m.msize = ip.size
		fs.icache.refdown(ip)
	}
	m.initialized = true
}

// loadFilePage fills a page from the disk; pages beyond the on-disk size
// start zeroed.
func (fs *Fs_t) loadFilePage(m *mnode_t, pgidx int) *mpage_t {
	pg := &mpage_t{data: make([]byte, BSIZE)}
	if inum, ok := fs.inumLookup(m.mnum); ok {
		ip := fs.icache.iget(inum)
		ip.ilock(READLOCK)
		off := pgidx * BSIZE
		if off < int(ip.size) {
			n := min(BSIZE, int(ip.size)-off)
			if _, err := fs.readi(ip, pg.data[:n], off); err != nil {
				panic("loadFilePage: readi failed")
			}
		}
		ip.iunlock()
		fs.icache.refdown(ip)
	}
	m.pages[pgidx] = pg
	return pg
}

// Write copies data into m's page cache at off; nothing reaches the disk
// until fsync.
func (fs *Fs_t) Write(m *mnode_t, data []byte, off int) (int, error) {
	if m.mtype != MT_FILE {
		return 0, ErrInvalid
	}
	if off < 0 || off+len(data) > MAXFILE*BSIZE {
		return 0, ErrInvalid
	}
	fs.initializeFile(m)
	m.pmu.Lock()
	defer m.pmu.Unlock()
	for tot := 0; tot < len(data); {
		pgidx := off / BSIZE
		pg, ok := m.pages[pgidx]
		if !ok {
			pg = fs.loadFilePage(m, pgidx)
		}
		n := min(BSIZE-off%BSIZE, len(data)-tot)
		copy(pg.data[off%BSIZE:], data[tot:tot+n])
		pg.dirty = true
		tot += n
		off += n
	}
	if uint32(off) > m.msize {
		m.msize = uint32(off)
	}
	return len(data), nil
}

// Read copies out of m's page cache at off, demand-loading pages.
func (fs *Fs_t) Read(m *mnode_t, dst []byte, off int) (int, error) {
	if m.mtype != MT_FILE {
		return 0, ErrInvalid
	}
	if off < 0 {
		return 0, ErrInvalid
	}
	fs.initializeFile(m)
	m.pmu.Lock()
	defer m.pmu.Unlock()
	n := len(dst)
	if off >= int(m.msize) {
		return 0, nil
	}
	if off+n > int(m.msize) {
		n = int(m.msize) - off
	}
	for tot := 0; tot < n; {
		pgidx := off / BSIZE
		pg, ok := m.pages[pgidx]
		if !ok {
			pg = fs.loadFilePage(m, pgidx)
		}
		c := min(BSIZE-off%BSIZE, n-tot)
		copy(dst[tot:tot+c], pg.data[off%BSIZE:])
		tot += c
		off += c
	}
	return n, nil
}

func (fs *Fs_t) Msize(m *mnode_t) uint32 {
	fs.initializeFile(m)
	m.pmu.Lock()
	defer m.pmu.Unlock()
	return m.msize
}

// Truncate clears the page cache beyond off; the on-disk blocks are freed
// when the file is next flushed.
func (fs *Fs_t) Truncate(m *mnode_t, off uint32) error {
	if m.mtype != MT_FILE {
		return ErrInvalid
	}
	fs.initializeFile(m)
	m.pmu.Lock()
	defer m.pmu.Unlock()
	for idx, pg := range m.pages {
		if idx*BSIZE >= int(off) {
			delete(m.pages, idx)
			continue
		}
		if (idx+1)*BSIZE > int(off) {
			for i := int(off) % BSIZE; i < BSIZE; i++ {
				pg.data[i] = 0
			}
			pg.dirty = true
		}
	}
	m.msize = off
	return nil
}

// dropPagecache evicts clean pages, for the eviction knob.
func (m *mnode_t) dropPagecache() int {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	did := 0
	for idx, pg := range m.pages {
		if !pg.dirty {
			delete(m.pages, idx)
			did++
		}
	}
	return did
}
