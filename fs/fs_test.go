package fs

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/tchajed/goose/machine/disk"
)

const testDiskBlocks = 8192
const testFsSize = 4096
const testNinodes = 256

// mkTestDisk formats a fresh in-memory disk.
func mkTestDisk(t *testing.T) disk.Disk {
	t.Helper()
	d := disk.NewMemDisk(testDiskBlocks)
	if err := Mkfs(d, testFsSize, testNinodes); err != nil {
		t.Fatalf("Mkfs failed: %v", err)
	}
	return d
}

// bootFS mounts d; a "crash" is simulated by abandoning the old Fs_t and
// booting again on the same disk, since nothing unsynced ever reaches it.
func bootFS(t *testing.T, d disk.Disk) *Fs_t {
	t.Helper()
	fs, err := StartFS(d)
	if err != nil {
		t.Fatalf("StartFS failed: %v", err)
	}
	return fs
}

func mkTestFS(t *testing.T) (*Fs_t, disk.Disk) {
	d := mkTestDisk(t)
	return bootFS(t, d), d
}

// lookupPath resolves a chain of names from the root.
func lookupPath(t *testing.T, fs *Fs_t, names ...string) *mnode_t {
	t.Helper()
	m := fs.Root()
	for _, name := range names {
		var err error
		m, err = fs.Lookup(m, name)
		if err != nil {
			t.Fatalf("Lookup %v failed: %v", names, err)
		}
	}
	return m
}

func mustCreate(t *testing.T, fs *Fs_t, dir *mnode_t, name string) *mnode_t {
	t.Helper()
	m, err := fs.Create(dir, name)
	if err != nil {
		t.Fatalf("Create %s failed: %v", name, err)
	}
	return m
}

func mustMkDir(t *testing.T, fs *Fs_t, dir *mnode_t, name string) *mnode_t {
	t.Helper()
	m, err := fs.MkDir(dir, name)
	if err != nil {
		t.Fatalf("MkDir %s failed: %v", name, err)
	}
	return m
}

func mkData(v uint8, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = v
	}
	return data
}

func TestFSSimple(t *testing.T) {
	fs, d := mkTestFS(t)

	dir := mustMkDir(t, fs, fs.Root(), "d")
	f1 := mustCreate(t, fs, dir, "f1")
	if _, err := fs.Write(f1, mkData(1, 512), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mustCreate(t, fs, dir, "f2")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if err := fs.Unlink(dir, "f2"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if err := fs.Fsync(dir); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	f1 = lookupPath(t, fs, "d", "f1")
	if got := fs.Msize(f1); got != 512 {
		t.Fatalf("f1 size = %d, want 512", got)
	}
	buf := make([]byte, 512)
	if n, err := fs.Read(f1, buf, 0); err != nil || n != 512 {
		t.Fatalf("Read failed: %v %d", err, n)
	}
	if !bytes.Equal(buf, mkData(1, 512)) {
		t.Fatalf("wrong data in f1")
	}
	dir = lookupPath(t, fs, "d")
	if _, err := fs.Lookup(dir, "f2"); err != ErrNotFound {
		t.Fatalf("f2 still present: %v", err)
	}
}

// An uncommitted create must vanish on crash without leaking an inode or a
// block.
func TestCreateCrashBeforeFsync(t *testing.T) {
	fs, d := mkTestFS(t)
	freeBlocks := fs.balloc.freeBlockCount()

	mustCreate(t, fs, fs.Root(), "a")
	// crash: no fsync

	fs = bootFS(t, d)
	if _, err := fs.Lookup(fs.Root(), "a"); err != ErrNotFound {
		t.Fatalf("a exists after crash: %v", err)
	}
	if got := fs.balloc.freeBlockCount(); got != freeBlocks {
		t.Fatalf("free blocks %d, want %d", got, freeBlocks)
	}
	for inum := Inum_t(1); inum < 8; inum++ {
		ip := fs.icache.iget(inum)
		if ip.itype() != I_FREE && ip.inum > 2 {
			t.Fatalf("leaked inode %d type %d", inum, ip.itype())
		}
		fs.icache.refdown(ip)
	}
}

func TestCreateFsyncCrash(t *testing.T) {
	fs, d := mkTestFS(t)

	mustCreate(t, fs, fs.Root(), "a")
	if err := fs.Fsync(fs.Root()); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	a := lookupPath(t, fs, "a")
	ip := fs.getInode(a.mnum, "test")
	defer fs.icache.refdown(ip)
	if ip.itype() != I_FILE {
		t.Fatalf("a type = %d, want file", ip.itype())
	}
	if ip.size != 0 {
		t.Fatalf("a size = %d, want 0", ip.size)
	}
	if ip.nlink != 1 {
		t.Fatalf("a nlink = %d, want 1", ip.nlink)
	}
}

// A rename's halves commit atomically: after fsync of only the destination
// directory and a crash, the new name exists, the old does not, and the
// inode keeps its link count and generation.
func TestRenameAcrossDirs(t *testing.T) {
	fs, d := mkTestFS(t)

	d1 := mustMkDir(t, fs, fs.Root(), "d1")
	d2 := mustMkDir(t, fs, fs.Root(), "d2")
	x := mustCreate(t, fs, d1, "x")
	if _, err := fs.Write(x, mkData(7, 100), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	ip := fs.getInode(x.mnum, "test")
	gen := ip.gen
	fs.icache.refdown(ip)

	if err := fs.Rename(d1, "x", d2, "y"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := fs.Fsync(d2); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	y := lookupPath(t, fs, "d2", "y")
	if _, err := fs.Lookup(lookupPath(t, fs, "d1"), "x"); err != ErrNotFound {
		t.Fatalf("d1/x still present: %v", err)
	}
	ip = fs.getInode(y.mnum, "test")
	defer fs.icache.refdown(ip)
	if ip.nlink != 1 {
		t.Fatalf("y nlink = %d, want 1", ip.nlink)
	}
	if ip.gen != gen {
		t.Fatalf("y gen = %d, want %d", ip.gen, gen)
	}
	buf := make([]byte, 100)
	if n, err := fs.Read(y, buf, 0); err != nil || n != 100 {
		t.Fatalf("Read failed: %v %d", err, n)
	}
	if !bytes.Equal(buf, mkData(7, 100)) {
		t.Fatalf("wrong data in y")
	}
}

// Renaming within one directory exercises the single-log pairing path.
func TestRenameSameDir(t *testing.T) {
	fs, d := mkTestFS(t)

	mustCreate(t, fs, fs.Root(), "x")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if err := fs.Rename(fs.Root(), "x", fs.Root(), "y"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := fs.Fsync(fs.Root()); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	lookupPath(t, fs, "y")
	if _, err := fs.Lookup(fs.Root(), "x"); err != ErrNotFound {
		t.Fatalf("x still present: %v", err)
	}
}

// Moving a directory across parents posts rename barriers; fsync of the
// destination flushes the parent chain first and rewrites "..".
func TestRenameDirAcrossParents(t *testing.T) {
	fs, d := mkTestFS(t)

	a := mustMkDir(t, fs, fs.Root(), "a")
	mustMkDir(t, fs, a, "b")
	mustMkDir(t, fs, fs.Root(), "c")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	a = lookupPath(t, fs, "a")
	c := lookupPath(t, fs, "c")
	if err := fs.Rename(a, "b", c, "b"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := fs.Fsync(c); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	b := lookupPath(t, fs, "c", "b")
	if _, err := fs.Lookup(lookupPath(t, fs, "a"), "b"); err != ErrNotFound {
		t.Fatalf("a/b still present: %v", err)
	}
	// on-disk ".." of b names c
	bip := fs.getInode(b.mnum, "test")
	cip := fs.getInode(lookupPath(t, fs, "c").mnum, "test")
	di, ok := fs.dirlookup(bip, "..")
	if !ok || di.inum != cip.inum {
		t.Fatalf("b/.. = %v %v, want %d", di, ok, cip.inum)
	}
	fs.icache.refdown(bip)
	fs.icache.refdown(cip)
}

// fsync of a directory with a link to a not-yet-created file pulls in the
// file's create as a dependency.
func TestLinkDependsOnCreate(t *testing.T) {
	fs, d := mkTestFS(t)

	p1 := mustMkDir(t, fs, fs.Root(), "p1")
	p2 := mustMkDir(t, fs, fs.Root(), "p2")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	f := mustCreate(t, fs, p1, "f")
	if err := fs.Link(p2, "z", f); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := fs.Fsync(p2); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	// p1 flushed separately makes the original name durable too
	if err := fs.Fsync(p1); err != nil {
		t.Fatalf("Fsync p1 failed: %v", err)
	}

	fs = bootFS(t, d)
	z := lookupPath(t, fs, "p2", "z")
	forig := lookupPath(t, fs, "p1", "f")
	zi, _ := fs.inumLookup(z.mnum)
	fi, _ := fs.inumLookup(forig.mnum)
	if zi != fi {
		t.Fatalf("p2/z and p1/f name different inodes: %d %d", zi, fi)
	}
	ip := fs.getInode(z.mnum, "test")
	defer fs.icache.refdown(ip)
	if ip.nlink != 2 {
		t.Fatalf("nlink = %d, want 2", ip.nlink)
	}
}

// Unlinking an open file defers its on-disk reclamation to the next boot via
// the superblock's reclaim list.
func TestUnlinkWithOpenRef(t *testing.T) {
	fs, d := mkTestFS(t)

	a := mustCreate(t, fs, fs.Root(), "a")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	inum, ok := fs.inumLookup(a.mnum)
	if !ok {
		t.Fatalf("a has no inode")
	}

	fs.Openref(a)
	if err := fs.Unlink(fs.Root(), "a"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if err := fs.Fsync(fs.Root()); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	if fs.superb.NumReclaimInodes != 1 || fs.superb.ReclaimInodes[0] != uint32(inum) {
		t.Fatalf("inode %d not queued for reclaim: %+v", inum, fs.superb.NumReclaimInodes)
	}

	// crash with the fd still open; recovery reclaims the inode
	fs = bootFS(t, d)
	if _, err := fs.Lookup(fs.Root(), "a"); err != ErrNotFound {
		t.Fatalf("a still present: %v", err)
	}
	ip := fs.icache.iget(inum)
	defer fs.icache.refdown(ip)
	if ip.itype() != I_FREE {
		t.Fatalf("inode %d not reclaimed, type %d", inum, ip.itype())
	}
	if fs.superb.NumReclaimInodes != 0 {
		t.Fatalf("reclaim list not cleared")
	}
}

// A single fsync producing more sub-transactions than the journal holds
// forces incremental commit/apply/reset cycles; the final state must equal
// one giant atomic commit.
func TestJournalOverflow(t *testing.T) {
	fs, d := mkTestFS(t)

	const nfiles = 40
	for i := 0; i < nfiles; i++ {
		mustCreate(t, fs, fs.Root(), "f"+strconv.Itoa(i))
	}
	if err := fs.Fsync(fs.Root()); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	if fs.jrnl.ncommit < 2 {
		t.Fatalf("expected multiple journal commits, got %d", fs.jrnl.ncommit)
	}

	fs = bootFS(t, d)
	for i := 0; i < nfiles; i++ {
		lookupPath(t, fs, "f"+strconv.Itoa(i))
	}
}

// Directory record offsets are stable: deleted slots are never compacted and
// new entries append.
func TestDirOffsetStability(t *testing.T) {
	fs, d := mkTestFS(t)

	root := fs.Root()
	mustCreate(t, fs, root, "a")
	mustCreate(t, fs, root, "b")
	mustCreate(t, fs, root, "c")
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	rip := fs.getInode(root.mnum, "test")
	offA := mustOffset(t, fs, rip, "a")
	offC := mustOffset(t, fs, rip, "c")
	fs.icache.refdown(rip)

	if err := fs.Unlink(root, "b"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if err := fs.Fsync(root); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}
	mustCreate(t, fs, root, "e")
	if err := fs.Fsync(root); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	fs = bootFS(t, d)
	rip = fs.getInode(fs.Root().mnum, "test")
	defer fs.icache.refdown(rip)
	if got := mustOffset(t, fs, rip, "a"); got != offA {
		t.Fatalf("a moved: %d != %d", got, offA)
	}
	if got := mustOffset(t, fs, rip, "c"); got != offC {
		t.Fatalf("c moved: %d != %d", got, offC)
	}
	if _, ok := fs.dirlookup(rip, "b"); ok {
		t.Fatalf("b still present")
	}
	if got := mustOffset(t, fs, rip, "e"); got <= offC {
		t.Fatalf("e did not append: %d <= %d", got, offC)
	}
}

func mustOffset(t *testing.T, fs *Fs_t, dp *inode_t, name string) uint32 {
	t.Helper()
	di, ok := fs.dirlookup(dp, name)
	if !ok {
		t.Fatalf("%s not found", name)
	}
	return di.offset
}

func TestDeviceKnobs(t *testing.T) {
	fs, _ := mkTestFS(t)

	f := mustCreate(t, fs, fs.Root(), "f")
	if _, err := fs.Write(f, mkData(3, 2*BSIZE), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Fsync(f); err != nil {
		t.Fatalf("Fsync failed: %v", err)
	}

	if err := fs.EvictCaches('1'); err != nil {
		t.Fatalf("evict bufcache: %v", err)
	}
	if err := fs.EvictCaches('2'); err != nil {
		t.Fatalf("evict pagecache: %v", err)
	}
	if err := fs.EvictCaches('9'); err != ErrInvalid {
		t.Fatalf("bad knob accepted: %v", err)
	}

	s := fs.BlkStatsRead()
	if s == "" || s[len(s)-1] != '\n' {
		t.Fatalf("bad stats string %q", s)
	}
	buf := make([]byte, 2*BSIZE)
	if _, err := fs.Read(f, buf, 0); err != nil {
		t.Fatalf("Read after eviction failed: %v", err)
	}
	if !bytes.Equal(buf, mkData(3, 2*BSIZE)) {
		t.Fatalf("wrong data after eviction")
	}
}
