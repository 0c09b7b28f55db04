// Package spool implements files_to_send() (§4.5): a lazy enumeration
// over the data directory that skips retired files, retires stale ones,
// and tracks each file's acknowledged send offset in a sidecar.
//
// The Iterator type, not a channel, carries this lazy state so it
// survives across suspension points without an implicit reset — a
// long-running YMODEM batch may await many times between Next() calls.
package spool

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoyerr"
)

var dailyFileName = regexp.MustCompile(`^\d{8}$`)

// SentinelEOB is the sentinel path the iterator yields last, instructing
// the YMODEM sender to transmit the end-of-batch terminator (§4.5 step 3).
const SentinelEOB = "\x00"

// Entry is one file the iterator yields: its path, total size, and the
// already-acknowledged byte offset read from its sidecar.
type Entry struct {
	Path       string
	Size       int64
	SentOffset int64
}

// Iterator lazily walks the data directory and the syslog path, applying
// the retention/retirement/offset rules of §4.5 on each Next() call.
type Iterator struct {
	dataDir  string
	sysLog   string
	bufDays  int
	lock     *arbitrator.Semaphore
	now      func() time.Time
	pending  []string
	listed   bool
	sysDone  bool
	eobDone  bool
}

// NewIterator builds an Iterator over dataDir's daily files plus sysLog,
// retiring files older than bufDays. lock is the file_lock semaphore
// guarding the active-file backup copy and sidecar writes.
func NewIterator(dataDir, sysLog string, bufDays int, lock *arbitrator.Semaphore) *Iterator {
	return &Iterator{
		dataDir: dataDir,
		sysLog:  sysLog,
		bufDays: bufDays,
		lock:    lock,
		now:     time.Now,
	}
}

// Lock returns the file_lock semaphore this iterator was built with, so
// a caller checkpointing or retiring a yielded path can guard those
// writes with the same lock the iterator itself uses.
func (it *Iterator) Lock() *arbitrator.Semaphore { return it.lock }

// Next yields the next path to transmit, or SentinelEOB once every data
// file and the syslog file have been offered, or ok=false once the
// iterator is exhausted.
func (it *Iterator) Next(ctx context.Context) (Entry, bool, error) {
	if !it.listed {
		names, err := it.listDailyFiles()
		if err != nil {
			return Entry{}, false, err
		}
		it.pending = names
		it.listed = true
	}

	for len(it.pending) > 0 {
		name := it.pending[0]
		it.pending = it.pending[1:]

		entry, yield, err := it.evaluate(ctx, name)
		if err != nil {
			return Entry{}, false, err
		}
		if yield {
			return entry, true, nil
		}
	}

	if !it.sysDone {
		it.sysDone = true
		info, err := os.Stat(it.sysLog)
		if err == nil {
			offset, _ := readOffset(it.sysLog)
			if info.Size() > offset {
				return Entry{Path: it.sysLog, Size: info.Size(), SentOffset: offset}, true, nil
			}
		}
	}

	if !it.eobDone {
		it.eobDone = true
		return Entry{Path: SentinelEOB}, true, nil
	}

	return Entry{}, false, nil
}

// listDailyFiles returns every basename under dataDir matching YYYYMMDD,
// sorted ascending (oldest first).
func (it *Iterator) listDailyFiles() ([]string, error) {
	ents, err := os.ReadDir(it.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, buoyerr.New(buoyerr.KindStorage, "spool.listDailyFiles", err)
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if dailyFileName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// evaluate applies the retention and offset rules to one daily file name
// (§4.5 step 1).
func (it *Iterator) evaluate(ctx context.Context, name string) (Entry, bool, error) {
	path := filepath.Join(it.dataDir, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, buoyerr.New(buoyerr.KindStorage, "spool.evaluate", err)
	}

	day, err := time.ParseInLocation("20060102", name, time.UTC)
	if err != nil {
		return Entry{}, false, nil
	}
	age := it.now().UTC().Sub(day)
	if age > time.Duration(it.bufDays)*24*time.Hour {
		if err := it.retire(ctx, name); err != nil {
			return Entry{}, false, err
		}
		return Entry{}, false, nil
	}

	offset, _ := readOffset(path)
	if info.Size() <= offset {
		return Entry{}, false, nil
	}

	// The current day's file is still being appended to; transmit a
	// frozen backup copy instead of the live file (§4.5).
	sendPath := path
	today := it.now().UTC().Format("20060102")
	if name == today {
		backup, err := it.freezeCopy(ctx, path, name)
		if err != nil {
			return Entry{}, false, err
		}
		sendPath = backup
	}

	return Entry{Path: sendPath, Size: info.Size(), SentOffset: offset}, true, nil
}

// retire renames name with a "#" prefix and removes its sidecar,
// without yielding it (§4.5 step 1, first bullet).
func (it *Iterator) retire(ctx context.Context, name string) error {
	if err := it.lock.Acquire(ctx); err != nil {
		return err
	}
	defer it.lock.Release()

	dir := it.dataDir
	src := filepath.Join(dir, name)
	dst := filepath.Join(dir, "#"+name)
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return buoyerr.New(buoyerr.KindStorage, "spool.retire", err)
	}
	_ = os.Remove(filepath.Join(dir, "$"+name))
	return nil
}

// freezeCopy copies the active day's file to its "." prefixed backup
// under file_lock, so the sender reads a length that cannot change
// mid-transfer (§4.5).
func (it *Iterator) freezeCopy(ctx context.Context, path, name string) (string, error) {
	if err := it.lock.Acquire(ctx); err != nil {
		return "", err
	}
	defer it.lock.Release()

	dst := filepath.Join(it.dataDir, "."+name)
	src, err := os.Open(path)
	if err != nil {
		return "", buoyerr.New(buoyerr.KindStorage, "spool.freezeCopy", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", buoyerr.New(buoyerr.KindStorage, "spool.freezeCopy", err)
	}
	defer out.Close()

	if _, err := copyAll(out, src); err != nil {
		return "", buoyerr.New(buoyerr.KindStorage, "spool.freezeCopy", err)
	}
	return dst, nil
}

// Checkpoint persists a new sent_offset for path into its "$" sidecar.
func Checkpoint(ctx context.Context, lock *arbitrator.Semaphore, path string, offset int64) error {
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	sidecar := sidecarPath(path)
	if err := os.WriteFile(sidecar, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		return buoyerr.New(buoyerr.KindStorage, "spool.Checkpoint", err)
	}
	return nil
}

// Retire renames path's underlying daily file with a "#" prefix and
// removes its sidecar after a final successful transmission. If path was
// a frozen "." backup copy, the original basename (without the "."
// prefix) is retired instead, and the backup copy is removed.
func Retire(ctx context.Context, lock *arbitrator.Semaphore, path string) error {
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer lock.Release()

	dir, base := filepath.Split(path)
	orig := base
	wasBackup := strings.HasPrefix(base, ".")
	if wasBackup {
		orig = strings.TrimPrefix(base, ".")
		_ = os.Remove(path)
	}

	origPath := filepath.Join(dir, orig)
	retiredPath := filepath.Join(dir, "#"+orig)
	if err := os.Rename(origPath, retiredPath); err != nil && !os.IsNotExist(err) {
		return buoyerr.New(buoyerr.KindStorage, "spool.Retire", err)
	}
	_ = os.Remove(sidecarPath(origPath))
	return nil
}

func sidecarPath(path string) string {
	dir, base := filepath.Split(path)
	base = strings.TrimPrefix(base, ".")
	return filepath.Join(dir, "$"+base)
}

func readOffset(path string) (int64, error) {
	data, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func copyAll(dst *os.File, src *os.File) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
