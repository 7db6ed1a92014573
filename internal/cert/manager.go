// Package cert provides TLS certificate loading for the cluster endpoints.
//
// Production deployments point the servers at PEM cert/key files; the
// Manager watches those files and reloads on change. Debug deployments can
// generate a self-signed certificate on disk instead (see selfsigned.go).
package cert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"silo/internal/logging"
)

// Manager loads and holds one certificate/key pair from disk.
// Safe for concurrent use; the served certificate is swapped atomically
// when the files change.
type Manager struct {
	logger *slog.Logger

	certFile, keyFile string
	cert              atomic.Pointer[tls.Certificate]

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	watcherStop chan struct{}
}

// Config holds Manager configuration.
type Config struct {
	CertFile string
	KeyFile  string
	Logger   *slog.Logger
}

// Load reads the certificate pair from disk and starts watching the files
// for changes.
func Load(cfg Config) (*Manager, error) {
	m := &Manager{
		logger:   logging.Default(cfg.Logger).With("component", "cert"),
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	m.startWatcher()
	return m, nil
}

// FromCertificate wraps an already-built certificate (e.g. a generated
// self-signed pair) in a Manager with no file watching.
func FromCertificate(c tls.Certificate, logger *slog.Logger) *Manager {
	m := &Manager{logger: logging.Default(logger).With("component", "cert")}
	m.cert.Store(&c)
	return m
}

func (m *Manager) reload() error {
	certPEM, err := os.ReadFile(m.certFile)
	if err != nil {
		return fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(m.keyFile)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse key pair: %w", err)
	}
	m.cert.Store(&c)
	return nil
}

func (m *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("fsnotify start failed", "error", err)
		return
	}

	m.mu.Lock()
	m.watcher = watcher
	m.watcherStop = make(chan struct{})
	stop := m.watcherStop
	m.mu.Unlock()

	for _, f := range []string{m.certFile, m.keyFile} {
		if err := watcher.Add(f); err != nil {
			m.logger.Warn("watch cert file", "file", f, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					m.logger.Warn("cert reload failed", "error", err)
					continue
				}
				m.logger.Info("certificate reloaded", "file", ev.Name)
			}
		}
	}()
}

// Close stops the file watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcherStop != nil {
		close(m.watcherStop)
		m.watcherStop = nil
		m.watcher = nil
	}
}

// Certificate returns the currently loaded certificate.
func (m *Manager) Certificate() *tls.Certificate {
	return m.cert.Load()
}

// GetCertificate is a tls.Config.GetCertificate callback serving the
// current certificate regardless of SNI.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.cert.Load(), nil
}

// ServerTLS returns a server-side tls.Config backed by this manager.
func (m *Manager) ServerTLS() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: m.GetCertificate,
	}
}
