package directory

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/quietline/quietline/internal/numbers"
)

// FileOptions configures the file-backed directory source. Each path
// points to a newline-delimited list of numbers; '#' starts a comment.
// Empty paths mean an empty set.
type FileOptions struct {
	ContactsPath  string
	WhitelistPath string
	BlocklistPath string
	SuffixLen     int
}

// FileDirectory watches the list files and reloads snapshots when they
// change. Suits deployments that sync lists by writing files (rsync,
// config management) instead of running Redis.
type FileDirectory struct {
	opts    FileOptions
	watcher *fsnotify.Watcher
	h       *holder
	done    chan struct{}
}

// NewFileDirectory loads the files once and starts watching their
// parent directories (watching the file itself breaks on atomic
// rename-replace writes).
func NewFileDirectory(opts FileOptions) (*FileDirectory, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	d := &FileDirectory{
		opts:    opts,
		watcher: watcher,
		h:       newHolder(opts.SuffixLen),
		done:    make(chan struct{}),
	}

	dirs := map[string]struct{}{}
	for _, p := range []string{opts.ContactsPath, opts.WhitelistPath, opts.BlocklistPath} {
		if p == "" {
			continue
		}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	d.reload()
	go d.watchLoop()

	return d, nil
}

func readNumberFile(path string) []string {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		log.Printf("[Directory] Cannot read %s: %v", path, err)
		return nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		log.Printf("[Directory] Error scanning %s: %v", path, err)
	}
	return out
}

func (d *FileDirectory) reload() {
	snap := Snapshot{
		Contacts:  numbers.NewSet(readNumberFile(d.opts.ContactsPath), d.opts.SuffixLen),
		Whitelist: numbers.NewSet(readNumberFile(d.opts.WhitelistPath), d.opts.SuffixLen),
		Blocklist: numbers.NewSet(readNumberFile(d.opts.BlocklistPath), d.opts.SuffixLen),
	}
	d.h.set(snap)
	log.Printf("[Directory] Loaded contacts=%d whitelist=%d blocklist=%d",
		snap.Contacts.Len(), snap.Whitelist.Len(), snap.Blocklist.Len())
}

func (d *FileDirectory) isWatched(name string) bool {
	for _, p := range []string{d.opts.ContactsPath, d.opts.WhitelistPath, d.opts.BlocklistPath} {
		if p != "" && filepath.Clean(name) == filepath.Clean(p) {
			return true
		}
	}
	return false
}

func (d *FileDirectory) watchLoop() {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if d.isWatched(ev.Name) {
				d.reload()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Directory] Watcher error: %v", err)
		}
	}
}

func (d *FileDirectory) Snapshot() Snapshot {
	return d.h.get()
}

func (d *FileDirectory) IsContact(callerID string) bool {
	return d.h.get().Contacts.Contains(callerID)
}

func (d *FileDirectory) Close() error {
	err := d.watcher.Close()
	<-d.done
	return err
}
