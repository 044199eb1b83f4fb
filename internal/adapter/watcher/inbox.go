// Package watcher uploads files dropped into an inbox directory.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"docrag/internal/domain"
	"docrag/internal/logger"
)

// Ingester uploads a file from disk.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (domain.Document, error)
}

// Inbox watches one directory. A file is ingested once it has been quiet
// for the debounce interval and is removed after a successful upload.
// Files that fail stay in place until they are written again.
type Inbox struct {
	dir      string
	debounce time.Duration
	accept   func(name string) bool
	ingest   Ingester

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewInbox(dir string, debounce time.Duration, accept func(string) bool, ingest Ingester) *Inbox {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Inbox{
		dir:      dir,
		debounce: debounce,
		accept:   accept,
		ingest:   ingest,
		timers:   make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is cancelled. Files already present in the inbox
// are picked up first.
func (b *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(b.dir); err != nil {
		return err
	}
	logger.Info("watching inbox %s", b.dir)

	ready := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-ready:
				b.process(ctx, path)
			}
		}
	}()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			b.schedule(ctx, filepath.Join(b.dir, e.Name()), ready)
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.stopTimers()
			<-done
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				b.stopTimers()
				<-done
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			b.schedule(ctx, ev.Name, ready)
		case err, ok := <-fw.Errors:
			if !ok {
				continue
			}
			logger.Warn("inbox watcher: %v", err)
		}
	}
}

func (b *Inbox) schedule(ctx context.Context, path string, ready chan<- string) {
	name := filepath.Base(path)
	if name == "" || name[0] == '.' {
		return
	}
	if b.accept != nil && !b.accept(name) {
		logger.Debug("inbox: ignoring %s", name)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[path]; ok {
		t.Reset(b.debounce)
		return
	}
	b.timers[path] = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		delete(b.timers, path)
		b.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (b *Inbox) stopTimers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for path, t := range b.timers {
		t.Stop()
		delete(b.timers, path)
	}
}

func (b *Inbox) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	doc, err := b.ingest.IngestFile(ctx, path)
	if err != nil {
		logger.Warn("inbox: %s: %v", filepath.Base(path), err)
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Warn("inbox: uploaded %s but could not remove it: %v", path, err)
	}
	logger.Info("inbox: uploaded %s as %s (%d chunks)", doc.Name, doc.ID, doc.ChunkCount)
}
