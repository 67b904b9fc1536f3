package fs

// A transaction collects the block images produced by applying one metadata
// operation (or one rename pair), together with the lists of blocks it
// allocated and freed. The journal consumes transactions in timestamp order;
// a single on-disk journal transaction may aggregate many of them.

type transDiskblock_t struct {
	blockno int
	data    []byte
}

func mkTransDiskblock(blockno int, data []byte) *transDiskblock_t {
	db := &transDiskblock_t{blockno: blockno, data: make([]byte, BSIZE)}
	copy(db.data, data)
	return db
}

type transaction_t struct {
	fs        *Fs_t
	timestamp uint64
	blocks    []*transDiskblock_t

	// blocks whose free bits flip in this transaction. Freed blocks reenter
	// the in-memory free list only after the journal commit (two-phase free).
	allocBlocks []uint32
	freeBlocks  []uint32

	// bufs referenced until the transaction is done with their contents
	bufs []*buf_t
}

func (fs *Fs_t) mkTransaction(timestamp uint64) *transaction_t {
	return &transaction_t{fs: fs, timestamp: timestamp}
}

// addBlockData records a private copy of data as the new image of blockno.
func (tr *transaction_t) addBlockData(blockno int, data []byte) {
	tr.blocks = append(tr.blocks, mkTransDiskblock(blockno, data))
}

// addToTransaction snapshots b's current contents into tr and pins b in the
// cache until the transaction commits and applies.
func (b *buf_t) addToTransaction(tr *transaction_t) {
	tr.addBlockData(b.block, b.read())
	b.fs.bcache.refup(b, "addToTransaction")
	tr.bufs = append(tr.bufs, b)
}

func (tr *transaction_t) addAllocatedBlock(bno uint32) {
	tr.allocBlocks = append(tr.allocBlocks, bno)
}

func (tr *transaction_t) addFreeBlock(bno uint32) {
	tr.freeBlocks = append(tr.freeBlocks, bno)
}

// unallocBlock forgets a block allocation that lost a compare-and-set race;
// the block goes straight back to the allocator.
func (tr *transaction_t) unallocBlock(bno uint32) {
	for i, b := range tr.allocBlocks {
		if b == bno {
			tr.allocBlocks = append(tr.allocBlocks[:i], tr.allocBlocks[i+1:]...)
			break
		}
	}
	tr.fs.balloc.freeBlock(bno)
}

// takeBlocksFrom moves other's block images into tr, preserving order.
func (tr *transaction_t) takeBlocksFrom(other *transaction_t) {
	tr.blocks = append(tr.blocks, other.blocks...)
	other.blocks = nil
}

// dedupBlocks drops all but the last image of each block number. Safe because
// sub-transactions enter in timestamp order, so the last version wins.
func (tr *transaction_t) dedupBlocks() {
	last := make(map[int]int, len(tr.blocks))
	for i, db := range tr.blocks {
		last[db.blockno] = i
	}
	if len(last) == len(tr.blocks) {
		return
	}
	kept := make([]*transDiskblock_t, 0, len(last))
	for i, db := range tr.blocks {
		if last[db.blockno] == i {
			kept = append(kept, db)
		}
	}
	tr.blocks = kept
}

// finishAfterCommit releases the cache pins taken by addToTransaction.
func (tr *transaction_t) finishAfterCommit() {
	for _, b := range tr.bufs {
		tr.fs.bcache.relse(b, "finishAfterCommit")
	}
	tr.bufs = nil
}

// writeToDisk writes the block images synchronously to their home locations.
// Used for the journal file's own blocks, whose cached bufs are already
// up to date.
func (tr *transaction_t) writeToDisk() {
	for _, db := range tr.blocks {
		tr.fs.disk.Write(uint64(db.blockno), db.data)
	}
}

// writebackAsync starts home-location writes for all images and waits for
// them, then the caller flushes the device.
func (tr *transaction_t) writebackAsync() {
	done := make(chan bool, len(tr.blocks))
	for _, db := range tr.blocks {
		go func(db *transDiskblock_t) {
			tr.fs.disk.Write(uint64(db.blockno), db.data)
			done <- true
		}(db)
	}
	for range tr.blocks {
		<-done
	}
}

// writeToDiskUpdateBufcache installs the images on disk and refreshes any
// cached copies. Used by boot-time journal replay.
func (tr *transaction_t) writeToDiskUpdateBufcache() {
	for _, db := range tr.blocks {
		tr.fs.disk.Write(uint64(db.blockno), db.data)
		b := tr.fs.bcache.getNofill(db.blockno, "replay")
		b.wlock()
		copy(b.data, db.data)
		b.wunlock()
		tr.fs.bcache.relse(b, "replay")
	}
}
