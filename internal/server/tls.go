package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitchat/orbit/internal/logging"
)

// DefaultCertCheckInterval is how often the watcher stats the key pair.
const DefaultCertCheckInterval = 30 * time.Second

// TLSConfig names the key pair served on the node listener. TLS is off
// when either file is empty.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether both files are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// CertReloader serves the current key pair to TLS handshakes and swaps it
// when the files on disk change, so certificates rotate without dropping
// websocket connections.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	logger   *logging.Logger

	mu      sync.Mutex
	lastMod time.Time
}

// NewCertReloader loads the key pair once and returns a reloader for it.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.Global()
	}
	r := &CertReloader{certFile: certFile, keyFile: keyFile, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	r.lastMod = r.latestModTime()
	return r, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("tls: no certificate loaded")
	}
	return cert, nil
}

// Reload reads the key pair from disk. On failure the previous pair stays
// in use.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("tls: load key pair: %w", err)
	}
	r.cert.Store(&cert)
	r.logger.Infof("TLS certificate loaded", map[string]any{
		"certFile": r.certFile,
		"keyFile":  r.keyFile,
	})
	return nil
}

func (r *CertReloader) latestModTime() time.Time {
	var latest time.Time
	for _, f := range []string{r.certFile, r.keyFile} {
		if info, err := os.Stat(f); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// changed reports whether either file is newer than the last reload.
func (r *CertReloader) changed() bool {
	latest := r.latestModTime()
	r.mu.Lock()
	defer r.mu.Unlock()
	if latest.After(r.lastMod) {
		r.lastMod = latest
		return true
	}
	return false
}

// Watch polls the key pair until ctx is done and reloads it when either
// file changes. It blocks.
func (r *CertReloader) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.changed() {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warnf("certificate reload failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// TLSConfig returns a server config backed by the reloader.
func (r *CertReloader) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Listen opens addr, wrapped in TLS when cfg is enabled. The returned
// reloader is nil for plain listeners.
func Listen(addr string, cfg TLSConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, nil, errors.New("tls: certificate and key files are required together")
	}

	var reloader *CertReloader
	if cfg.Enabled() {
		var err error
		if reloader, err = NewCertReloader(cfg.CertFile, cfg.KeyFile, logger); err != nil {
			return nil, nil, err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if reloader == nil {
		return ln, nil, nil
	}
	return tls.NewListener(ln, reloader.TLSConfig()), reloader, nil
}
