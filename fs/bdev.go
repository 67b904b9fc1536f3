package fs

import (
	"sync"
	"sync/atomic"

	"github.com/tchajed/goose/machine/disk"
)

const bdev_debug = false

// Block buffer cache. All device interactions run through here. There is one
// buf_t per cached block number; callers share it and coordinate through the
// block's locks. A buf has two locks: a seqlock for its data (writers block
// readers briefly, readers validate their copy against the sequence counter)
// and a writeback lock serializing transfers of the block to the device.
//
// A reference is held on a buf while any party (inode layer, a transaction,
// the journal) may still need its current contents; eviction only happens at
// refcount zero, so a block whose update has been copied into an uncommitted
// transaction cannot be reloaded stale from disk.

type buf_t struct {
	block int
	data  []byte
	fs    *Fs_t

	mu  sync.Mutex // writer side of the seqlock
	seq uint32

	wb   sync.Mutex // writeback lock
	wbwg sync.WaitGroup

	// fill happens once; racing lookups wait on it instead of reading a
	// half-filled buffer
	fill sync.Once

	ref *objref_t
}

func mkBuf(fs *Fs_t, block int) *buf_t {
	return &buf_t{block: block, data: make([]byte, BSIZE), fs: fs}
}

// Blocks are cached weakly: they stay cached at refcount zero (a freshly
// zeroed block must not be reloaded from its stale home location) and leave
// only under pressure, through drop or evictClean.
func (b *buf_t) Evictnow() bool {
	return false
}

// wlock begins a write section; readers started before wunlock will retry.
func (b *buf_t) wlock() {
	b.mu.Lock()
	atomic.AddUint32(&b.seq, 1)
}

func (b *buf_t) wunlock() {
	atomic.AddUint32(&b.seq, 1)
	b.mu.Unlock()
}

// read returns a validated snapshot of the block contents.
func (b *buf_t) read() []byte {
	dst := make([]byte, BSIZE)
	for {
		s1 := atomic.LoadUint32(&b.seq)
		if s1%2 != 0 {
			continue
		}
		copy(dst, b.data)
		if atomic.LoadUint32(&b.seq) == s1 {
			return dst
		}
	}
}

// loadFrom fills the buffer from the device.
func (b *buf_t) loadFrom(d disk.Disk) {
	b.wlock()
	copy(b.data, d.Read(uint64(b.block)))
	b.wunlock()
}

// writeback synchronously transfers the block to its home location.
func (b *buf_t) writeback() {
	b.wb.Lock()
	b.fs.disk.Write(uint64(b.block), b.read())
	b.wb.Unlock()
}

// writebackAsync starts the transfer without waiting; iowait() blocks until
// all outstanding transfers of this block have completed.
func (b *buf_t) writebackAsync() {
	b.wbwg.Add(1)
	go func() {
		defer b.wbwg.Done()
		b.writeback()
	}()
}

func (b *buf_t) iowait() {
	b.wbwg.Wait()
}

type bcache_t struct {
	fs    *Fs_t
	cache *weakcache_t
}

func mkBcache(fs *Fs_t) *bcache_t {
	return &bcache_t{fs: fs, cache: mkWeakcache(256)}
}

// bref returns a referenced buf for blkno; created reports a cache miss.
func (bc *bcache_t) bref(blkno int) (*buf_t, bool) {
	ref, created := bc.cache.lookup(blkno, func(key int) obj_i {
		return mkBuf(bc.fs, key)
	})
	b := ref.obj.(*buf_t)
	if created {
		b.ref = ref
	}
	return b, created
}

// getFill returns the buf for blkno, reading it from the device on a miss.
func (bc *bcache_t) getFill(blkno int, s string) *buf_t {
	if blkno < 0 || (bc.fs.superb.Size != 0 && blkno >= int(bc.fs.superb.Size)) {
		panic("getFill: naughty blockno")
	}
	b, created := bc.bref(blkno)
	if bdev_debug {
		dlog.Debugf("getFill: %v %v created %v", blkno, s, created)
	}
	b.fill.Do(func() {
		b.loadFrom(bc.fs.disk)
	})
	return b
}

// getZero returns the buf for blkno with zeroed contents; the caller intends
// to overwrite the whole block, so no device read happens.
func (bc *bcache_t) getZero(blkno int, s string) *buf_t {
	b, created := bc.bref(blkno)
	b.fill.Do(func() {}) // a fresh buffer is already zero
	if !created {
		b.wlock()
		for i := range b.data {
			b.data[i] = 0
		}
		b.wunlock()
	}
	return b
}

// getNofill is getZero without the guarantee of zeroes for a cached block.
func (bc *bcache_t) getNofill(blkno int, s string) *buf_t {
	b, _ := bc.bref(blkno)
	b.fill.Do(func() {})
	return b
}

func (bc *bcache_t) refup(b *buf_t, s string) {
	b.ref.up()
}

func (bc *bcache_t) relse(b *buf_t, s string) {
	if bdev_debug {
		dlog.Debugf("relse: %v %v", b.block, s)
	}
	bc.cache.refdown(b.ref)
}

// drop removes an unreferenced clean block, for the eviction knob.
func (bc *bcache_t) drop(blkno int) {
	bc.cache.remove(blkno)
}

func (bc *bcache_t) evictClean() int {
	return bc.cache.evictClean()
}

// flush completes only after all previously acknowledged writes are durable.
func (fs *Fs_t) flush() {
	fs.disk.Barrier()
}
