package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to files that rotate daily and when exceeding max size.
//
// File naming:
//
//	logs/anuneko.log -> logs/anuneko-2025-10-26.log, logs/anuneko-2025-10-26-2.log
//
// The base path is kept as a symlink to the active file. When MaxBackups is
// positive, only that many rotated files are kept besides the active one.
type RotatingWriter struct {
	BasePath   string
	MaxBytes   int64
	MaxBackups int

	mu       sync.Mutex
	curDate  string // YYYY-MM-DD
	curIndex int    // 1-based index within the day
	file     *os.File
	size     int64
	now      func() time.Time
}

// NewRotatingWriter creates a rotating writer for basePath. A basePath of "-"
// discards output.
func NewRotatingWriter(basePath string, maxBytes int64, maxBackups int) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, MaxBackups: maxBackups, now: time.Now}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		if w.curDate != today {
			w.curDate = today
			w.curIndex = 1
		}
		return w.openCurrent()
	}
	if w.size > 0 && w.size+incoming > w.MaxBytes {
		w.curIndex++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) split() (dir, base, ext string) {
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, base, ext
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, base, ext := w.split()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create log dir: %w", err)
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.curDate, ext)
	if w.curIndex > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIndex, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.updatePointer(path)
	w.prune(path)
	return nil
}

// prune removes the oldest rotated files beyond MaxBackups.
func (w *RotatingWriter) prune(active string) {
	if w.MaxBackups <= 0 {
		return
	}
	dir, base, ext := w.split()
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil {
		return
	}
	var old []string
	for _, m := range matches {
		if m == active {
			continue
		}
		if info, err := os.Lstat(m); err == nil && info.Mode().IsRegular() {
			old = append(old, m)
		}
	}
	if len(old) <= w.MaxBackups {
		return
	}
	sort.Slice(old, func(i, j int) bool {
		ii, _ := os.Stat(old[i])
		jj, _ := os.Stat(old[j])
		if ii == nil || jj == nil {
			return old[i] < old[j]
		}
		return ii.ModTime().Before(jj.ModTime())
	})
	for _, p := range old[:len(old)-w.MaxBackups] {
		_ = os.Remove(p)
	}
}

func (w *RotatingWriter) updatePointer(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if err := os.Symlink(target, base); err == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
