package fs

import (
	"bytes"
	"testing"
)

// Round trip across the direct/indirect boundary: write, fsync, crash,
// remount, read back.
func TestFileRoundTripIndirect(t *testing.T) {
	fs, d := mkTestFS(t)

	nbytes := (NDIRECT + 3) * BSIZE
	want := make([]byte, nbytes)
	for i := range want {
		want[i] = byte(i % 251)
	}

	f := mustCreate(t, fs, fs.Root(), "big")
	if _, err := fs.Write(f, want, 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Fsync(fs.Root()); err != nil {
		t.Fatalf("Fsync root failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	f = lookupPath(t, fs, "big")
	if got := fs.Msize(f); got != uint32(nbytes) {
		t.Fatalf("size = %d, want %d", got, nbytes)
	}
	buf := make([]byte, nbytes)
	if n, err := fs.Read(f, buf, 0); err != nil || n != nbytes {
		t.Fatalf("Read failed: %v %d", err, n)
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("data mismatch after remount")
	}
}

// A sparse write through the doubly-indirect tree; holes read as zeroes.
func TestSparseDoublyIndirect(t *testing.T) {
	fs, d := mkTestFS(t)

	off := (NDIRECT + NINDIRECT + 5) * BSIZE
	want := mkData(0x5a, BSIZE)

	f := mustCreate(t, fs, fs.Root(), "sparse")
	if _, err := fs.Write(f, want, off); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Fsync(fs.Root()); err != nil {
		t.Fatalf("Fsync root failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	f = lookupPath(t, fs, "sparse")
	buf := make([]byte, BSIZE)
	if _, err := fs.Read(f, buf, off); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("data mismatch in doubly-indirect block")
	}
	// a hole in the middle reads as zeroes
	if _, err := fs.Read(f, buf, 17*BSIZE); err != nil {
		t.Fatalf("hole read failed: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, BSIZE)) {
		t.Fatalf("hole not zero")
	}
}

// Truncation frees data and intermediate blocks symmetrically; the free
// count returns to its pre-write level.
func TestTruncateFreesBlocks(t *testing.T) {
	fs, _ := mkTestFS(t)
	baseline := fs.balloc.freeBlockCount()

	f := mustCreate(t, fs, fs.Root(), "f")
	if _, err := fs.Write(f, mkData(1, (NDIRECT+4)*BSIZE), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	// data blocks plus the indirect block are in use
	used := baseline - fs.balloc.freeBlockCount()
	if used != NDIRECT+4+1 {
		t.Fatalf("used %d blocks, want %d", used, NDIRECT+4+1)
	}

	if err := fs.Truncate(f, 0); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	if got := fs.balloc.freeBlockCount(); got != baseline {
		t.Fatalf("free count %d, want %d", got, baseline)
	}
}

// The cached indirect array holds the file's indirect entries and is
// published once: a second lookup returns the same array.
func TestIaddrsCachePublished(t *testing.T) {
	fs, _ := mkTestFS(t)

	f := mustCreate(t, fs, fs.Root(), "f")
	if _, err := fs.Write(f, mkData(2, (NDIRECT+2)*BSIZE), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	ip := fs.getInode(f.mnum, "test")
	defer fs.icache.refdown(ip)
	ia, err := fs.ensureIaddrs(ip, nil)
	if err != nil {
		t.Fatalf("ensureIaddrs failed: %v", err)
	}
	if ia == nil || ia[0] == 0 || ia[1] == 0 {
		t.Fatalf("indirect cache missing entries: %v", ia == nil)
	}
	if ia2, _ := fs.ensureIaddrs(ip, nil); &ia2[0] != &ia[0] {
		t.Fatalf("iaddrs not published once")
	}
}

// The circular inode allocator reuses freed slots and bumps the generation.
func TestInodeReuseBumpsGeneration(t *testing.T) {
	fs, _ := mkTestFS(t)

	f := mustCreate(t, fs, fs.Root(), "f")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	inum, _ := fs.inumLookup(f.mnum)
	ip := fs.getInode(f.mnum, "test")
	gen := ip.gen
	fs.icache.refdown(ip)

	if err := fs.Unlink(fs.Root(), "f"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	// allocate until the slot comes around again
	for i := 0; i < int(testNinodes); i++ {
		g := mustCreate(t, fs, fs.Root(), "g"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		if err := fs.Fsync(g); err != nil {
			t.Fatalf("Fsync failed: %v", err)
		}
		if gi, _ := fs.inumLookup(g.mnum); gi == inum {
			gip := fs.getInode(g.mnum, "test")
			defer fs.icache.refdown(gip)
			if gip.gen != gen+1 {
				t.Fatalf("gen = %d, want %d", gip.gen, gen+1)
			}
			return
		}
	}
	t.Fatalf("inode %d never reused", inum)
}
