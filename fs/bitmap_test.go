package fs

import "testing"

// The free list, the used set, and the per-transaction free lists partition
// the block address space.
func TestAllocatorPartition(t *testing.T) {
	fs, _ := mkTestFS(t)
	ba := fs.balloc

	countFree := func() int64 {
		n := int64(0)
		for _, bit := range ba.bits {
			if bit.free {
				n++
			}
		}
		return n
	}
	if got := countFree(); got != ba.freeBlockCount() {
		t.Fatalf("vector free %d != list free %d", got, ba.freeBlockCount())
	}

	tr := fs.mkTransaction(readtsc())
	var bnos []uint32
	for i := 0; i < 10; i++ {
		bno, err := ba.allocBlock(tr)
		if err != nil {
			t.Fatalf("allocBlock failed: %v", err)
		}
		bnos = append(bnos, bno)
	}
	seen := make(map[uint32]bool)
	for _, bno := range bnos {
		if seen[bno] {
			t.Fatalf("block %d allocated twice", bno)
		}
		seen[bno] = true
		if ba.bits[bno].free {
			t.Fatalf("allocated block %d marked free", bno)
		}
	}
	if got := countFree(); got != ba.freeBlockCount() {
		t.Fatalf("vector free %d != list free %d after alloc", got, ba.freeBlockCount())
	}
	if len(tr.allocBlocks) != 10 {
		t.Fatalf("transaction recorded %d allocations", len(tr.allocBlocks))
	}
}

// Blocks freed into a transaction stay unavailable until the transaction
// commits (two-phase free).
func TestTwoPhaseFree(t *testing.T) {
	fs, _ := mkTestFS(t)
	ba := fs.balloc

	tr := fs.mkTransaction(readtsc())
	bno, err := ba.allocBlock(tr)
	if err != nil {
		t.Fatalf("allocBlock failed: %v", err)
	}

	tr2 := fs.mkTransaction(readtsc())
	ba.freeBlockTx(bno, tr2)

	// not yet reusable: the bit is still used and off the free list
	if ba.bits[bno].free {
		t.Fatalf("block %d freed before commit", bno)
	}
	before := ba.freeBlockCount()

	fs.postProcessTransaction(tr2)
	if !ba.bits[bno].free {
		t.Fatalf("block %d not freed after commit", bno)
	}
	if ba.freeBlockCount() != before+1 {
		t.Fatalf("free count did not grow")
	}
}

// ballocFreeOnDisk groups bit flips by bitmap block and appends each touched
// bitmap block to the transaction once.
func TestBallocOnDiskGrouping(t *testing.T) {
	fs, _ := mkTestFS(t)

	tr := fs.mkTransaction(readtsc())
	var bnos []uint32
	for i := 0; i < 5; i++ {
		bno, err := fs.balloc.allocBlock(tr)
		if err != nil {
			t.Fatalf("allocBlock failed: %v", err)
		}
		bnos = append(bnos, bno)
	}
	nbefore := len(tr.blocks)
	fs.ballocFreeOnDisk(bnos, tr, true)
	added := len(tr.blocks) - nbefore
	if added != 1 {
		// all five land in one bitmap block on a small disk
		t.Fatalf("expected 1 bitmap block image, got %d", added)
	}
	bmblk := tr.blocks[len(tr.blocks)-1]
	for _, bno := range bnos {
		if bmblk.blockno != fs.superb.Bblock(int(bno)) {
			t.Fatalf("wrong bitmap block %d for bno %d", bmblk.blockno, bno)
		}
		bi := int(bno) % BPB
		if bmblk.data[bi/8]&(1<<uint(bi%8)) == 0 {
			t.Fatalf("bit for block %d not set", bno)
		}
	}

	// round trip: freeing the same blocks clears the bits
	tr2 := fs.mkTransaction(readtsc())
	fs.ballocFreeOnDisk(bnos, tr2, false)
	bmblk2 := tr2.blocks[len(tr2.blocks)-1]
	for _, bno := range bnos {
		bi := int(bno) % BPB
		if bmblk2.data[bi/8]&(1<<uint(bi%8)) != 0 {
			t.Fatalf("bit for block %d not cleared", bno)
		}
	}
}

// Free counts survive a crash-reboot cycle after balanced alloc/free
// activity.
func TestFreeCountAfterReboot(t *testing.T) {
	fs, d := mkTestFS(t)
	baseline := fs.balloc.freeBlockCount()

	f := mustCreate(t, fs, fs.Root(), "f")
	if _, err := fs.Write(f, mkData(9, 3*BSIZE), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	if fs.balloc.freeBlockCount() >= baseline {
		t.Fatalf("no blocks consumed")
	}
	if err := fs.Unlink(fs.Root(), "f"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if got := fs.balloc.freeBlockCount(); got != baseline {
		t.Fatalf("free count %d, want %d", got, baseline)
	}

	fs = bootFS(t, d)
	if got := fs.balloc.freeBlockCount(); got != baseline {
		t.Fatalf("free count after reboot %d, want %d", got, baseline)
	}
}
