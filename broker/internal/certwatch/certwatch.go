// Package certwatch hot-reloads the broker's TLS certificate/key pair from
// disk, exposing a quicendpoint.GetCertificate callback plus a reload signal
// channel so the QUIC listener can be rebuilt without downtime. Grounded on
// fsnotify as used for config/cert reload across the retrieved corpus (e.g.
// cuemby-warren's go.mod); the teacher has no certificate-reload precedent
// of its own since it terminates TLS once at process start.
package certwatch

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce coalesces the burst of write events a single `cp`-then-rename of
// a cert file usually produces into one reload.
const debounce = 500 * time.Millisecond

// Watcher loads a cert/key pair from disk and reloads it whenever either
// file changes.
type Watcher struct {
	certPath, keyPath string
	logger            *zap.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	reload chan struct{}
}

// New loads the initial certificate and starts watching certPath/keyPath's
// containing directories for changes. The watch goroutine runs for the life
// of the process; Watcher has no Close method.
func New(certPath, keyPath string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger.Named("certwatch"),
		reload:   make(chan struct{}, 1),
	}
	if err := w.reloadNow(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certwatch: new watcher: %w", err)
	}
	if err := fw.Add(dirOf(certPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("certwatch: watch %s: %w", certPath, err)
	}
	if dirOf(keyPath) != dirOf(certPath) {
		if err := fw.Add(dirOf(keyPath)); err != nil {
			fw.Close()
			return nil, fmt.Errorf("certwatch: watch %s: %w", keyPath, err)
		}
	}

	go w.watch(fw)
	return w, nil
}

// GetCertificate satisfies quicendpoint.GetCertificate / tls.Config.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert, nil
}

// Reload is signalled once (non-blocking) after every successful hot-reload,
// so the QUIC endpoint can rebuild its listener.
func (w *Watcher) Reload() <-chan struct{} {
	return w.reload
}

func (w *Watcher) watch(fw *fsnotify.Watcher) {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, w.onDebounced)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) onDebounced() {
	if err := w.reloadNow(); err != nil {
		w.logger.Warn("certificate reload failed, keeping previous certificate", zap.Error(err))
		return
	}
	w.logger.Info("certificate reloaded")
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *Watcher) reloadNow() error {
	cert, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		return fmt.Errorf("certwatch: load key pair: %w", err)
	}
	w.mu.Lock()
	w.cert = &cert
	w.mu.Unlock()
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
