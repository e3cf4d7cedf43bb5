// Package tlsutil provides TLS configuration helpers, including certificate
// hot reload so rotated certs are picked up without a restart.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertLoader serves the current certificate and reloads it when the cert or
// key file changes on disk.
type CertLoader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	once    sync.Once
}

// NewCertLoader loads the initial certificate and starts watching both files.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	if err := cl.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating cert watcher: %w", err)
	}
	cl.watcher = watcher

	// Watch the parent directories: cert rotation tools typically replace
	// files via rename, which drops a watch on the file itself.
	dirs := map[string]bool{
		filepath.Dir(certFile): true,
		filepath.Dir(keyFile):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go cl.watch()
	return cl, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Stop terminates the watch goroutine.
func (cl *CertLoader) Stop() {
	cl.once.Do(func() {
		close(cl.stopCh)
		if cl.watcher != nil {
			cl.watcher.Close()
		}
	})
}

func (cl *CertLoader) reload() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return fmt.Errorf("loading key pair: %w", err)
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watch() {
	// Debounce: cert and key usually change together, reload once.
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != cl.certFile && ev.Name != cl.keyFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Second, func() {
				if err := cl.reload(); err != nil {
					cl.logger.Error("certificate reload failed", "error", err)
					return
				}
				cl.logger.Info("certificate reloaded", "cert", cl.certFile)
			})
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("cert watcher error", "error", err)
		case <-cl.stopCh:
			return
		}
	}
}

// MinVersion maps a config string to a tls.VersionTLS constant.
func MinVersion(s string) uint16 {
	if s == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
