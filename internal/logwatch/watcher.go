package logwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/carpie/sid/internal/metrics"
)

// Observer receives MACs that were refused an address.
type Observer interface {
	Observe(mac string, ts time.Time) bool
}

// Watcher follows a log file from its end, surviving truncation and
// rotation, and feeds no-address detections to an Observer.
type Watcher struct {
	path     string
	observer Observer
	logger   *slog.Logger
	ready    chan struct{}

	f       *os.File
	offset  int64
	partial []byte
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, observer Observer, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		observer: observer,
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once Run has positioned itself at the end of the file
// and is receiving change notifications.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run tails the file until ctx is cancelled. The file may be missing at
// start; it is picked up when created.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	if err := w.open(true); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		w.logger.Warn("log file missing, waiting for it to appear", "path", w.path)
	}
	defer w.close()

	w.logger.Info("watching log", "path", w.path, "offset", w.offset)
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				w.drain()
				w.close()
				if err := w.open(false); err != nil {
					w.logger.Warn("reopening log failed", "path", w.path, "error", err)
					continue
				}
				metrics.LogReopens.Inc()
				w.logger.Info("log file recreated, reading from start", "path", w.path)
				w.drain()
			case ev.Has(fsnotify.Write):
				if w.f == nil {
					if err := w.open(false); err != nil {
						continue
					}
				}
				w.drain()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.drain()
				w.close()
				w.logger.Debug("log file moved away", "path", w.path)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "path", w.path, "error", err)
		}
	}
}

// open opens the file, positioned at its end when atEnd is set.
func (w *Watcher) open(atEnd bool) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", w.path, err)
	}
	var offset int64
	if atEnd {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return fmt.Errorf("seeking %s: %w", w.path, err)
		}
	}
	w.f = f
	w.offset = offset
	w.partial = nil
	return nil
}

func (w *Watcher) close() {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	w.partial = nil
}

// drain reads everything appended since the last read. A file that shrank
// was truncated and is read again from the start.
func (w *Watcher) drain() {
	if w.f == nil {
		return
	}
	if st, err := w.f.Stat(); err == nil && st.Size() < w.offset {
		if _, err := w.f.Seek(0, io.SeekStart); err != nil {
			w.logger.Warn("rewinding truncated log failed", "path", w.path, "error", err)
			return
		}
		w.offset = 0
		w.partial = nil
		metrics.LogReopens.Inc()
		w.logger.Info("log file truncated, reading from start", "path", w.path)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := w.f.Read(buf)
		if n > 0 {
			w.offset += int64(n)
			w.consume(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("reading log failed", "path", w.path, "error", err)
			}
			return
		}
	}
}

// consume splits data into lines, holding back an unterminated tail.
func (w *Watcher) consume(data []byte) {
	w.partial = append(w.partial, data...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			return
		}
		line := string(bytes.TrimRight(w.partial[:i], "\r"))
		w.partial = w.partial[i+1:]
		w.handleLine(line)
	}
}

func (w *Watcher) handleLine(line string) {
	mac, kind := Classify(line)
	metrics.LogLines.WithLabelValues(kind.String()).Inc()

	switch kind {
	case KindNoAddress:
		if w.observer.Observe(mac, time.Now()) {
			w.logger.Info("device requested an address", "mac", mac)
		}
	case KindRestart:
		w.logger.Info("dnsmasq restart seen in log")
	}
}
