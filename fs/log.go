package fs

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/go-restruct/restruct"
)

const log_debug = false

// Physical journal. Metadata transactions are appended as (prolog, data
// blocks, epilog) records to an inode-backed file of fixed maximum size and
// replayed on boot; the journal is reset after every flush. One on-disk
// journal transaction may aggregate many sub-transactions under a single
// start/commit pair, but never spans a flush: when the next sub-transaction
// would not fit, the current transaction is finalized (commit, apply, reset)
// and a fresh start record begins.

const (
	jrnl_start  = 1
	jrnl_data   = 2
	jrnl_commit = 3
)

// Each slot is a sector-aligned header followed by one block image.
const jrnlHdrSize = 512
const jrnlSlotSize = jrnlHdrSize + BSIZE

const NJournalSlots = 32
const PhysJournalSize = NJournalSlots * jrnlSlotSize

// data blocks of the journal file; mkfs gives the file one indirect block on
// top of these
const jrnlFileBlocks = (PhysJournalSize + BSIZE - 1) / BSIZE

const jrnlFileName = "sv6journal"

type jrnlHeader_t struct {
	Timestamp uint64
	Blocknum  uint32
	Kind      uint8
}

const jrnlHdrPacked = 13

func (hd *jrnlHeader_t) pack() []byte {
	buf, err := restruct.Pack(binary.LittleEndian, hd)
	if err != nil {
		panic(err)
	}
	out := make([]byte, jrnlHdrSize)
	copy(out, buf)
	return out
}

func (hd *jrnlHeader_t) unpack(data []byte) {
	if err := restruct.Unpack(data[:jrnlHdrPacked], binary.LittleEndian, hd); err != nil {
		panic(err)
	}
}

type journal_t struct {
	// the journal commit lock: held while constructing the on-disk journal,
	// released after reset
	mu sync.Mutex

	fs     *Fs_t
	jfile  *inode_t
	offset uint32

	// sub-transactions accepted but not yet flushed
	translog []*transaction_t

	ncommit int
	napply  int
}

func mkJournal(fs *Fs_t) *journal_t {
	j := &journal_t{fs: fs}

	root := fs.icache.iget(ROOTINUM)
	di, ok := fs.dirlookup(root, jrnlFileName)
	fs.icache.refdown(root)
	if !ok {
		panic("mkJournal: no journal file")
	}
	j.jfile = fs.icache.iget(di.inum)
	if j.jfile.itype() != I_FILE || j.jfile.size < uint32(PhysJournalSize) {
		panic("mkJournal: malformed journal file")
	}
	return j
}

// addTransactionLocked queues tr for the next flush. Caller holds j.mu.
func (j *journal_t) addTransactionLocked(tr *transaction_t) {
	j.translog = append(j.translog, tr)
}

// fitsInJournal estimates whether a sub-transaction with nblocks block
// images still fits, counting its data slots and the final commit slot.
func (j *journal_t) fitsInJournal(nblocks int) bool {
	need := uint32(jrnlSlotSize * (1 + nblocks))
	return j.offset+need <= uint32(PhysJournalSize)
}

// writeJournalHdrBlock appends one (header, data) slot through the journal
// file's inode; the file's own block updates collect in trans.
func (j *journal_t) writeJournalHdrBlock(hdr, datablock []byte, trans *transaction_t) {
	if n, err := j.fs.writei(j.jfile, hdr, int(j.offset), trans, false); err != nil || n != len(hdr) {
		panic("journal write (header block) failed")
	}
	j.offset += uint32(len(hdr))
	if n, err := j.fs.writei(j.jfile, datablock, int(j.offset), trans, false); err != nil || n != len(datablock) {
		panic("journal write (data block) failed")
	}
	j.offset += uint32(len(datablock))
}

func (j *journal_t) writeJournalHeader(kind uint8, timestamp uint64, trans *transaction_t) {
	hd := jrnlHeader_t{Timestamp: timestamp, Kind: kind}
	j.writeJournalHdrBlock(hd.pack(), make([]byte, BSIZE), trans)
}

// A transaction begins with a start slot.
func (j *journal_t) writeJournalTransProlog(timestamp uint64, trans *transaction_t) {
	j.writeJournalHeader(jrnl_start, timestamp, trans)
}

// writeJournalTransactionBlocks appends the block images in order.
func (j *journal_t) writeJournalTransactionBlocks(blocks []*transDiskblock_t, timestamp uint64, trans *transaction_t) {
	for _, db := range blocks {
		hd := jrnlHeader_t{Timestamp: timestamp, Blocknum: uint32(db.blockno), Kind: jrnl_data}
		j.writeJournalHdrBlock(hd.pack(), db.data, trans)
	}
}

// writeJournalTransEpilog makes the start and data slots durable, then
// commits with a single commit slot and a flush.
func (j *journal_t) writeJournalTransEpilog(timestamp uint64, trans *transaction_t) {
	trans.writeToDisk()
	trans.finishAfterCommit()
	j.fs.flush()

	ctr := j.fs.mkTransaction(0)
	j.writeJournalHeader(jrnl_commit, timestamp, ctr)
	ctr.writeToDisk()
	ctr.finishAfterCommit()
	j.fs.flush()
	j.ncommit++
}

// preProcessTransaction folds tr's bitmap updates into tr itself, at the
// moment it is handed to the journal.
func (fs *Fs_t) preProcessTransaction(tr *transaction_t) {
	if len(tr.allocBlocks) > 0 {
		fs.ballocFreeOnDisk(tr.allocBlocks, tr, true)
	}
	if len(tr.freeBlocks) > 0 {
		fs.ballocFreeOnDisk(tr.freeBlocks, tr, false)
	}
}

// postProcessTransaction releases tr's freed blocks to the in-memory
// allocator, now that the free is durable in the journal.
func (fs *Fs_t) postProcessTransaction(tr *transaction_t) {
	for _, bno := range tr.freeBlocks {
		fs.balloc.freeBlock(bno)
	}
	tr.freeBlocks = nil
}

// flushJournalLocked writes the queued sub-transactions to the on-disk
// journal, applies them to their home locations, and resets the journal.
// When the journal fills mid-flush, the current aggregate is committed,
// applied and reset before the remaining sub-transactions continue in a
// fresh journal transaction. Caller holds j.mu.
func (j *journal_t) flushJournalLocked() {
	fs := j.fs
	if len(j.translog) == 0 {
		return
	}

	j.jfile.ilock(WRITELOCK)

	// aggregates multiple updates of one disk block into a single slot
	prune := fs.mkTransaction(0)
	trans := fs.mkTransaction(0)
	var processed []*transaction_t

	prologTs := j.translog[0].timestamp
	j.writeJournalTransProlog(prologTs, trans)

	var timestamp uint64
	for _, tr := range j.translog {
		timestamp = tr.timestamp
		fs.preProcessTransaction(tr)
		tr.dedupBlocks()

		for !j.fitsInJournal(len(prune.blocks) + len(tr.blocks)) {
			// no space left for this sub-transaction: commit and apply all
			// earlier ones, then retry in a fresh journal transaction
			if j.offset <= uint32(jrnlSlotSize) && len(prune.blocks) == 0 {
				panic("flushJournal: sub-transaction larger than the journal")
			}
			if log_debug {
				dlog.Debugf("flushJournal: overflow at ts %d, %d blocks", timestamp, len(tr.blocks))
			}
			prune.dedupBlocks()
			j.writeJournalTransactionBlocks(prune.blocks, prologTs, trans)
			j.writeJournalTransEpilog(prologTs, trans)

			for _, t := range processed {
				fs.postProcessTransaction(t)
				t.finishAfterCommit()
			}
			processed = processed[:0]

			prune.writebackAsync()
			fs.flush()
			j.resetJournal()

			prune = fs.mkTransaction(0)
			trans = fs.mkTransaction(0)
			prologTs = timestamp
			j.writeJournalTransProlog(prologTs, trans)
		}

		prune.takeBlocksFrom(tr)
		processed = append(processed, tr)
	}

	// finalize whatever remains
	if len(processed) > 0 {
		prune.dedupBlocks()
		j.writeJournalTransactionBlocks(prune.blocks, prologTs, trans)
	}
	j.writeJournalTransEpilog(prologTs, trans)

	for _, t := range processed {
		fs.postProcessTransaction(t)
		t.finishAfterCommit()
	}

	prune.writebackAsync()
	fs.flush()
	j.resetJournal()
	j.napply++

	j.jfile.iunlock()
	j.translog = nil
}

// resetJournal writes a zero header at offset 0 so that no transaction in
// the journal survives a crash. When a later (possibly partial) transaction
// overwrites the zero header, the timestamps embedded in every slot identify
// which blocks belong to it, so replay never applies a partial transaction.
// Caller holds j.mu and the journal file's write lock.
func (j *journal_t) resetJournal() {
	tr := j.fs.mkTransaction(0)
	zero := make([]byte, jrnlHdrSize)
	if n, err := j.fs.writei(j.jfile, zero, 0, tr, false); err != nil || n != jrnlHdrSize {
		panic("resetJournal failed")
	}
	tr.writeToDisk()
	tr.finishAfterCommit()
	j.fs.flush()
	j.offset = 0
}

// processJournal scans the journal linearly on boot. A start slot begins
// collecting for its timestamp; data slots must match it; a commit slot
// finalizes the collection. A zero header, a short read, or any timestamp
// mismatch ends the scan, discarding collected but uncommitted data. The
// committed prefix is written back to home locations, then the journal is
// reset.
func (j *journal_t) processJournal() {
	fs := j.fs
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jfile.ilock(WRITELOCK)

	committed := fs.mkTransaction(0)
	var blockVec []*transDiskblock_t
	var currentTs uint64
	zerohdr := make([]byte, jrnlHdrPacked)
	hdrbuf := make([]byte, jrnlHdrSize)
	databuf := make([]byte, BSIZE)
	offset := 0
	nreplayed := 0

scan:
	for offset+jrnlSlotSize <= PhysJournalSize {
		if n, err := fs.readi(j.jfile, hdrbuf, offset); err != nil || n != jrnlHdrSize {
			break
		}
		if bytes.Equal(hdrbuf[:jrnlHdrPacked], zerohdr) {
			break // zero header marks the end of the journal
		}
		offset += jrnlHdrSize
		if n, err := fs.readi(j.jfile, databuf, offset); err != nil || n != BSIZE {
			break
		}
		offset += BSIZE

		var hd jrnlHeader_t
		hd.unpack(hdrbuf)
		switch hd.Kind {
		case jrnl_start:
			currentTs = hd.Timestamp
			blockVec = nil
		case jrnl_data:
			if hd.Timestamp != currentTs {
				break scan
			}
			blockVec = append(blockVec, mkTransDiskblock(int(hd.Blocknum), databuf))
		case jrnl_commit:
			if hd.Timestamp != currentTs {
				break scan
			}
			committed.blocks = append(committed.blocks, blockVec...)
			blockVec = nil
			nreplayed++
		default:
			break scan
		}
	}

	if len(committed.blocks) > 0 {
		dlog.Infof("journal: replaying %d committed transaction(s), %d blocks",
			nreplayed, len(committed.blocks))
		committed.writeToDiskUpdateBufcache()
		fs.flush()
	}
	j.resetJournal()
	j.jfile.iunlock()
}
