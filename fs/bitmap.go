package fs

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Free-block allocator. The free/used state of every device block is held
// twice: a dense vector indexed by block number (O(1) free) and a
// doubly-linked list threaded through the free bits (O(1) allocate). A single
// spinlock protects the list; each bit carries its own write lock so the two
// views can be updated without holding the list lock across bit flips.
// freeBlock never holds the bit lock while taking the list lock, which
// avoids an ABBA deadlock with allocBlock.
//
// The on-disk bitmap changes only through the journal: ballocFreeOnDisk folds
// the bit flips of a transaction's allocated/free lists into the transaction
// itself.

type freebit_t struct {
	mu   sync.Mutex // bit write lock
	bno  uint32
	free bool

	prev, next *freebit_t
}

type ballocater_t struct {
	fs *Fs_t

	listmu sync.Mutex // freelist lock
	head   *freebit_t
	tail   *freebit_t

	bits  []*freebit_t
	nfree int64
}

// mkBallocater builds both views by scanning the on-disk bitmap. Must run
// after journal replay, since replayed transactions may update bitmap blocks.
func mkBallocater(fs *Fs_t) *ballocater_t {
	ba := &ballocater_t{fs: fs}
	sb := &fs.superb
	ba.bits = make([]*freebit_t, sb.Size)
	for bno := 0; bno < int(sb.Size); bno += BPB {
		b := fs.bcache.getFill(sb.Bblock(bno), "mkBallocater")
		data := b.read()
		nbits := min(BPB, int(sb.Size)-bno)
		for bi := 0; bi < nbits; bi++ {
			free := data[bi/8]&(1<<uint(bi%8)) == 0
			bit := &freebit_t{bno: uint32(bno + bi), free: free}
			ba.bits[bno+bi] = bit
			if free {
				ba.pushBack(bit)
				ba.nfree++
			}
		}
		fs.bcache.relse(b, "mkBallocater")
	}
	if fs_debug {
		dlog.Debugf("ballocater: %d free of %d blocks", ba.nfree, sb.Size)
	}
	return ba
}

// list operations; caller holds listmu
func (ba *ballocater_t) pushFront(bit *freebit_t) {
	bit.prev = nil
	bit.next = ba.head
	if ba.head != nil {
		ba.head.prev = bit
	}
	ba.head = bit
	if ba.tail == nil {
		ba.tail = bit
	}
}

func (ba *ballocater_t) pushBack(bit *freebit_t) {
	bit.next = nil
	bit.prev = ba.tail
	if ba.tail != nil {
		ba.tail.next = bit
	}
	ba.tail = bit
	if ba.head == nil {
		ba.head = bit
	}
}

func (ba *ballocater_t) popFront() *freebit_t {
	bit := ba.head
	if bit == nil {
		return nil
	}
	ba.head = bit.next
	if ba.head != nil {
		ba.head.prev = nil
	} else {
		ba.tail = nil
	}
	bit.next, bit.prev = nil, nil
	return bit
}

// allocBlock pops the head of the free list and flips its bit to used under
// the bit's lock. The allocation is recorded in tr so the on-disk bitmap
// update reaches the journal.
func (ba *ballocater_t) allocBlock(tr *transaction_t) (uint32, error) {
	ba.listmu.Lock()
	bit := ba.popFront()
	if bit == nil {
		ba.listmu.Unlock()
		return 0, ErrOutOfBlocks
	}
	bit.mu.Lock()
	if !bit.free {
		panic("allocBlock: used block on free list")
	}
	bit.free = false
	bit.mu.Unlock()
	ba.listmu.Unlock()

	atomic.AddInt64(&ba.nfree, -1)
	if tr != nil {
		tr.addAllocatedBlock(bit.bno)
	}
	if fs_debug {
		dlog.Debugf("allocBlock: %d", bit.bno)
	}
	return bit.bno, nil
}

// freeBlock returns bno to the in-memory free set. Only called once the free
// is durable (or never reached a transaction at all); freeing a free block is
// a broken invariant.
func (ba *ballocater_t) freeBlock(bno uint32) {
	if int(bno) >= len(ba.bits) {
		panic("freeBlock: bad blockno")
	}
	bit := ba.bits[bno]
	bit.mu.Lock()
	if bit.free {
		panic("freeBlock: freeing free block")
	}
	bit.free = true
	bit.mu.Unlock()

	// bit lock dropped before the list lock
	ba.listmu.Lock()
	ba.pushFront(bit)
	ba.listmu.Unlock()
	atomic.AddInt64(&ba.nfree, 1)
}

// freeBlockTx schedules bno to be freed when tr commits; the block stays
// unavailable for reuse until then.
func (ba *ballocater_t) freeBlockTx(bno uint32, tr *transaction_t) {
	tr.addFreeBlock(bno)
}

func (ba *ballocater_t) freeBlockCount() int64 {
	return atomic.LoadInt64(&ba.nfree)
}

// ballocFreeOnDisk applies the bit flips for blocks to the on-disk bitmap,
// appending each touched bitmap block to tr exactly once. Sets bits when
// alloc is true, clears them otherwise.
func (fs *Fs_t) ballocFreeOnDisk(blocks []uint32, tr *transaction_t, alloc bool) {
	sorted := make([]uint32, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i := 0; i < len(sorted); {
		bno := sorted[i]
		blockno := fs.superb.Bblock(int(bno))
		b := fs.bcache.getFill(blockno, "ballocFreeOnDisk")
		b.wlock()
		// group all flips that land in this bitmap block
		maxbno := bno | uint32(BPB-1)
		for ; i < len(sorted) && sorted[i] <= maxbno; i++ {
			bi := int(sorted[i]) % BPB
			m := byte(1) << uint(bi%8)
			if alloc {
				if b.data[bi/8]&m != 0 {
					panic("ballocFreeOnDisk: block already in use")
				}
				b.data[bi/8] |= m
			} else {
				if b.data[bi/8]&m == 0 {
					panic("ballocFreeOnDisk: block already free")
				}
				b.data[bi/8] &^= m
			}
		}
		b.wunlock()
		b.addToTransaction(tr)
		fs.bcache.relse(b, "ballocFreeOnDisk")
	}
}

// bzero zeroes the cached block; with writeback the zeroes go straight to
// the device as well.
func (fs *Fs_t) bzero(bno uint32, writeback bool) {
	b := fs.bcache.getZero(int(bno), "bzero")
	if writeback {
		b.writebackAsync()
		b.iowait()
	}
	fs.bcache.relse(b, "bzero")
}
