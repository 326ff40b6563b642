// Package cert serves a TLS certificate pair from disk and reloads it when
// the files change, so certificates can be rotated without a restart.
package cert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"notevault/internal/logging"
)

// Config holds Reloader configuration.
type Config struct {
	// CertFile and KeyFile are paths to the PEM-encoded pair. Both required.
	CertFile string
	KeyFile  string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Reloader holds a certificate pair loaded from disk. It watches both files
// and swaps in the new pair when either is rewritten. Safe for concurrent use.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	cert    atomic.Pointer[tls.Certificate]
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New loads the pair and starts watching for changes. The initial load must
// succeed; later reload failures keep the previous certificate and log.
func New(cfg Config) (*Reloader, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("cert: both cert file and key file are required")
	}

	r := &Reloader{
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
		logger:   logging.Default(cfg.Logger).With("component", "cert"),
		stop:     make(chan struct{}),
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	r.cert.Store(&cert)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch certificate files: %w", err)
	}
	r.watcher = watcher
	for _, path := range []string{cfg.CertFile, cfg.KeyFile} {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}
	go r.watch()

	return r, nil
}

func (r *Reloader) watch() {
	for {
		select {
		case <-r.stop:
			return
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("certificate watcher error", "error", err)
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reload()
		}
	}
}

// reload parses the pair from disk. Cert and key are usually rewritten
// together; a mismatched read fails parsing and the next event retries.
func (r *Reloader) reload() {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		r.logger.Warn("certificate reload failed", "error", err)
		return
	}
	r.cert.Store(&cert)
	r.logger.Info("certificate reloaded", "cert", r.certFile)
}

// Certificate returns the current certificate.
func (r *Reloader) Certificate() *tls.Certificate {
	return r.cert.Load()
}

// TLSConfig returns a tls.Config that always hands out the current pair.
func (r *Reloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return r.cert.Load(), nil
		},
	}
}

// Close stops the file watcher.
func (r *Reloader) Close() error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	return r.watcher.Close()
}
