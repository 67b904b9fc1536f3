package fs

// Dependency resolver. fsync(target, tsCap) walks the target's logical log
// in timestamp order and follows cross-object edges -- a link needs the
// linked object's create, a rename has two halves sharing one timestamp, a
// rename barrier carries a parent dependency -- producing a linearized
// stream of transactions for the journal.

type pendingMetadata_t struct {
	mnum   Mnum_t
	maxTsc uint64
	// count == -1: process all records <= maxTsc;
	// count == 1: process only the create record
	count int
}

type renameMetadata_t struct {
	srcParent Mnum_t
	dstParent Mnum_t
	timestamp uint64
}

type renameBarrierMetadata_t struct {
	mnum      Mnum_t
	timestamp uint64
}

// processOpsFromOplog return codes
const (
	ret_done = iota
	// pushed the linked mnode's create as a dependency
	ret_link
	// pushed a rename barrier's parent as a dependency
	ret_rename_barrier
	// pushed a rename sub-op's counterpart directory as a dependency
	ret_rename_subop
	// the counterpart completed the pair
	ret_rename_pair
)

// applyOp executes one operation record against the on-disk structures,
// accumulating block updates in tr.
func (fs *Fs_t) applyOp(op op_t, tr *transaction_t) error {
	if fs_debug {
		dlog.Debugf("applyOp: %v ts %d mnum %d", op.kind, op.timestamp, op.mnum)
	}
	switch op.kind {
	case op_create:
		_, err := fs.createFileDirIfNew(op.mnum, op.parent, op.mtype, tr)
		return err
	case op_link:
		fs.createDirectoryEntry(op.parent, op.name, op.mnum, op.mtype, tr)
	case op_unlink:
		fs.unlinkOldInode(op.parent, op.name, tr)
	case op_rename_link:
		fs.createDirectoryEntry(op.dstParent, op.name, op.mnum, op.mtype, tr)
		if op.mtype == MT_DIR && op.dstParent != op.srcParent {
			fs.renameFixDotdot(op, tr)
		}
	case op_rename_unlink:
		fs.unlinkOldInode(op.srcParent, op.name, tr)
	case op_delete:
		if inum, ok := fs.inumLookup(op.mnum); ok {
			ip := fs.icache.iget(inum)
			live := ip.nlink > 0
			fs.icache.refdown(ip)
			if live {
				// a directory entry still names this inode on disk; the
				// pending unlink deletes it when it applies
				return nil
			}
			fs.deleteOldInode(op.mnum, tr)
		} else {
			// never reached the disk; only bookkeeping to retire
			fs.freeMetadataLog(op.mnum)
			fs.freeMnodeLock(op.mnum)
			fs.mremove(op.mnum)
		}
	default:
		panic("applyOp: unknown operation kind")
	}
	return nil
}

// renameFixDotdot rewrites a moved directory's ".." record.
func (fs *Fs_t) renameFixDotdot(op op_t, tr *transaction_t) {
	srcInum, ok1 := fs.inumLookup(op.srcParent)
	dstInum, ok2 := fs.inumLookup(op.dstParent)
	inum, ok3 := fs.inumLookup(op.mnum)
	if !ok1 || !ok2 || !ok3 {
		panic("renameFixDotdot: missing inode mapping")
	}
	ip := fs.icache.iget(inum)
	ip.ilock(WRITELOCK)
	if err := fs.dirunlink(ip, "..", srcInum, false, tr); err != nil {
		panic("renameFixDotdot: dirunlink ..")
	}
	if err := fs.dirlink(ip, "..", dstInum, false, tr); err != nil {
		panic("renameFixDotdot: dirlink ..")
	}
	ip.iunlock()
	fs.icache.refdown(ip)
}

// applyOpToJournal applies op in its own transaction (unless the caller
// supplies one) and hands the transaction to the journal.
func (fs *Fs_t) applyOpToJournal(op op_t, tr *transaction_t, skipAdd bool) error {
	if tr == nil {
		tr = fs.mkTransaction(op.timestamp)
	}
	fs.jrnl.mu.Lock()
	defer fs.jrnl.mu.Unlock()
	if err := fs.applyOp(op, tr); err != nil {
		return err
	}
	if !skipAdd {
		fs.jrnl.addTransactionLocked(tr)
	}
	return nil
}

// processOpsFromOplog gathers records of l with timestamps up to and
// including maxTsc, then processes the first count of them (count == -1:
// all; count == 1: only the create record). Caller holds l.mu.
func (fs *Fs_t) processOpsFromOplog(l *oplog_t, maxTsc uint64, count int,
	pending *[]pendingMetadata_t, renames *[]renameMetadata_t,
	barriers *[]renameBarrierMetadata_t) (int, error) {

	guard := l.synchronizeUptoTsc(maxTsc)
	defer guard.release()

	if len(l.ops) == 0 {
		return ret_done, nil
	}

	processCreate := count == 1
	if count < 0 {
		count = len(l.ops)
	}

	for ; count > 0 && len(l.ops) > 0; count-- {
		op := l.ops[0]

		if processCreate {
			if op.kind == op_create {
				if err := fs.applyOpToJournal(op, nil, false); err != nil {
					return ret_done, err
				}
				l.ops = l.ops[1:]
			}
			return ret_done, nil
		}

		if op.kind == op_link || op.kind == op_rename_link || op.kind == op_rename_unlink {
			if _, ok := fs.inumLookup(op.mnum); !ok {
				if _, live := fs.metadataLogOk(op.mnum); !live {
					// the target was already deleted outright; this record
					// can never materialize and its counterpart will no-op
					l.ops = l.ops[1:]
					continue
				}
				if op.kind != op_rename_unlink {
					// the target has no on-disk inode yet; its create must
					// run first
					*pending = append(*pending, pendingMetadata_t{op.mnum, op.timestamp, 1})
					return ret_link, nil
				}
			}
		}

		if op.kind == op_rename_barrier {
			if op.mnum == fs.rootMnum {
				l.ops = l.ops[1:]
				continue
			}
			if n := len(*barriers); n > 0 &&
				(*barriers)[n-1].mnum == op.mnum &&
				(*barriers)[n-1].timestamp == op.timestamp {
				// already resolved on the way down
				*barriers = (*barriers)[:n-1]
				l.ops = l.ops[1:]
				continue
			}
			*barriers = append(*barriers, renameBarrierMetadata_t{op.mnum, op.timestamp})
			*pending = append(*pending, pendingMetadata_t{op.parent, op.timestamp, -1})
			return ret_rename_barrier, nil
		}

		if op.kind == op_rename_link || op.kind == op_rename_unlink {
			var prevTs uint64
			if n := len(*renames); n > 0 {
				prevTs = (*renames)[n-1].timestamp
			}
			*renames = append(*renames, renameMetadata_t{op.srcParent, op.dstParent, op.timestamp})
			if op.kind == op_rename_link {
				// have the link half; the unlink half is the dependency
				*pending = append(*pending, pendingMetadata_t{op.srcParent, op.timestamp, -1})
			} else {
				*pending = append(*pending, pendingMetadata_t{op.dstParent, op.timestamp, -1})
			}
			if prevTs != 0 && op.timestamp == prevTs {
				return ret_rename_pair, nil
			}
			return ret_rename_subop, nil
		}

		if err := fs.applyOpToJournal(op, nil, false); err != nil {
			return ret_done, err
		}
		l.ops = l.ops[1:]
	}

	return ret_done, nil
}

// applyRenamePair packs the two halves at the tops of the rename stack into
// one transaction. Lock order: source directory's log before destination's,
// taken once when they are the same.
func (fs *Fs_t) applyRenamePair(renames *[]renameMetadata_t) {
	n := len(*renames)
	rm1 := (*renames)[n-1]
	rm2 := (*renames)[n-2]
	*renames = (*renames)[:n-2]

	// both halves of one rename share a globally unique timestamp
	if rm1.timestamp != rm2.timestamp {
		panic("applyRenamePair: mismatched halves")
	}

	srcLog := fs.metadataLog(rm1.srcParent)
	dstLog := srcLog
	srcLog.mu.Lock()
	if rm1.dstParent != rm1.srcParent {
		dstLog = fs.metadataLog(rm1.dstParent)
		dstLog.mu.Lock()
	}

	srcGuard := srcLog.synchronizeUptoTsc(rm1.timestamp)
	var dstGuard *oplogGuard_t
	if dstLog != srcLog {
		dstGuard = dstLog.synchronizeUptoTsc(rm1.timestamp)
	}

	// a concurrent fsync on the other directory may have flushed both
	// halves already
	var linkOp, unlinkOp op_t
	havePair := false
	if srcLog == dstLog {
		if len(srcLog.ops) >= 2 {
			a, b := srcLog.ops[0], srcLog.ops[1]
			if a.kind == op_rename_unlink && b.kind == op_rename_link {
				a, b = b, a
			}
			if a.kind == op_rename_link && b.kind == op_rename_unlink &&
				a.timestamp == b.timestamp && a.timestamp == rm1.timestamp {
				linkOp, unlinkOp = a, b
				havePair = true
				srcLog.ops = srcLog.ops[2:]
			}
		}
	} else if len(srcLog.ops) > 0 && len(dstLog.ops) > 0 {
		linkOp = dstLog.ops[0]
		unlinkOp = srcLog.ops[0]
		if linkOp.kind == op_rename_link && unlinkOp.kind == op_rename_unlink &&
			linkOp.timestamp == unlinkOp.timestamp &&
			linkOp.timestamp == rm1.timestamp {
			havePair = true
			dstLog.ops = dstLog.ops[1:]
			srcLog.ops = srcLog.ops[1:]
		}
	}
	if havePair {
		// both effects commit in a single transaction or not at all; the
		// journal lock is held across both halves
		tr := fs.mkTransaction(linkOp.timestamp)
		fs.jrnl.mu.Lock()
		if err := fs.applyOp(linkOp, tr); err != nil {
			panic("applyRenamePair: rename link failed")
		}
		if err := fs.applyOp(unlinkOp, tr); err != nil {
			panic("applyRenamePair: rename unlink failed")
		}
		fs.jrnl.addTransactionLocked(tr)
		fs.jrnl.mu.Unlock()
	}

	if dstGuard != nil {
		dstGuard.release()
	}
	srcGuard.release()
	if dstLog != srcLog {
		dstLog.mu.Unlock()
	}
	srcLog.mu.Unlock()
}

// processMetadataLog resolves and applies every record on mnum's log with
// timestamp <= maxTsc, together with the records transitively reachable
// through dependency edges.
func (fs *Fs_t) processMetadataLog(maxTsc uint64, mnum Mnum_t) error {
	var pending []pendingMetadata_t
	var renames []renameMetadata_t
	var barriers []renameBarrierMetadata_t

	pending = append(pending, pendingMetadata_t{mnum, maxTsc, -1})

	for len(pending) > 0 {
		pm := pending[len(pending)-1]
		l, ok := fs.metadataLogOk(pm.mnum)
		if !ok {
			// retired by a delete that this resolution applied
			pending = pending[:len(pending)-1]
			continue
		}

		l.mu.Lock()
		ret, err := fs.processOpsFromOplog(l, pm.maxTsc, pm.count,
			&pending, &renames, &barriers)
		l.mu.Unlock()
		if err != nil {
			return err
		}

		switch ret {
		case ret_done:
			pending = pending[:len(pending)-1]
		case ret_link, ret_rename_barrier, ret_rename_subop:
			continue
		case ret_rename_pair:
			fs.applyRenamePair(&renames)
			// the other directory needs no further processing for this fsync
			pending = pending[:len(pending)-1]
		default:
			panic("processMetadataLog: invalid return code")
		}
	}

	if len(pending) != 0 || len(renames) != 0 || len(barriers) != 0 {
		panic("processMetadataLog: unbalanced resolution stacks")
	}
	return nil
}

func (fs *Fs_t) metadataLogOk(mnum Mnum_t) (*oplog_t, bool) {
	fs.mlogmu.Lock()
	defer fs.mlogmu.Unlock()
	l, ok := fs.metadataLogs[mnum]
	return l, ok
}
