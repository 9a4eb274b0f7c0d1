// Package hooks runs the short-lived HTTP callback daemon the VCS backend
// calls back into while executing an operation on our behalf, and keeps the
// sidecar state binding subversion transactions to their daemon.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Protocols a daemon can announce to the backend.
const (
	ProtocolHTTP  = "http"
	ProtocolLocal = "local"
)

const shutdownTimeout = 5 * time.Second

// Daemon serves hook callbacks for the duration of a single VCS operation.
// Acquire before the backend call, Release after, typically via defer.
type Daemon interface {
	// URI is the callback address injected into the operation extras.
	URI() string

	// Acquire starts serving callbacks.
	Acquire() error

	// Release stops the daemon and cleans its transaction state.
	Release() error
}

// Config carries daemon settings from the application configuration.
type Config struct {
	// Host the callback listener binds to. The backend must be able to
	// reach it; for a co-located backend 127.0.0.1 is enough.
	Host string

	// UseDirectCalls disables the HTTP daemon and marks the extras for
	// in-process hook execution. Integration tests use this.
	UseDirectCalls bool

	// CacheDir is the base directory for transaction sidecar files.
	CacheDir string
}

// Prepare builds the daemon for one operation and stamps the callback
// address, protocol and start time into extras. For subversion transactions
// txnID fixes the port: a daemon registered earlier for the same transaction
// is reused through the sidecar store.
func Prepare(log *slog.Logger, cfg Config, hooks Callbacks, extras *Extras, txnID string) (Daemon, error) {
	const op = "hooks.Prepare"

	extras.Time = float64(time.Now().UnixNano()) / float64(time.Second)

	if cfg.UseDirectCalls {
		d := NewDummyDaemon()
		extras.HooksURI = d.URI()
		extras.HooksProtocol = ProtocolLocal
		return d, nil
	}

	port := 0
	store := NewTxnStore(cfg.CacheDir)
	if txnID != "" {
		if p, ok := store.Get(txnID); ok {
			port = p
		}
	}

	d, err := NewHTTPDaemon(log, hooks, cfg.Host, port, txnID, store)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	extras.HooksURI = d.URI()
	extras.HooksProtocol = ProtocolHTTP
	return d, nil
}

// HTTPDaemon is the real callback daemon. It binds its listener at
// construction time so the address can be handed to the backend before any
// request is served.
type HTTPDaemon struct {
	log      *slog.Logger
	listener net.Listener
	server   *http.Server
	txnID    string
	store    *TxnStore

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewHTTPDaemon binds the callback listener. Port 0 picks an ephemeral port;
// a daemon bound for a known transaction records its port in the sidecar
// store so follow-up requests of the same transaction find it.
func NewHTTPDaemon(log *slog.Logger, hooks Callbacks, host string, port int, txnID string, store *TxnStore) (*HTTPDaemon, error) {
	const op = "hooks.NewHTTPDaemon"

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	d := &HTTPDaemon{
		log:      log,
		listener: ln,
		txnID:    txnID,
		store:    store,
		server: &http.Server{
			Handler: &handler{log: log, hooks: hooks, txnID: txnID},
		},
		done: make(chan struct{}),
	}

	if txnID != "" && store != nil {
		boundPort := ln.Addr().(*net.TCPAddr).Port
		if err := store.Store(txnID, boundPort); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return d, nil
}

func (d *HTTPDaemon) URI() string {
	return d.listener.Addr().String()
}

func (d *HTTPDaemon) Acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true

	d.log.Debug("hook daemon serving",
		slog.String("op", "hooks.HTTPDaemon.Acquire"),
		slog.String("uri", d.URI()),
		slog.String("txn_id", d.txnID))

	go func() {
		defer close(d.done)
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("hook daemon stopped",
				slog.String("op", "hooks.HTTPDaemon.Acquire"),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (d *HTTPDaemon) Release() error {
	const op = "hooks.HTTPDaemon.Release"

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if started {
		<-d.done
	}
	if d.txnID != "" && d.store != nil {
		if err := d.store.Release(d.txnID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// DummyDaemon satisfies the Daemon interface without serving anything. Used
// when hooks are executed in-process.
type DummyDaemon struct{}

func NewDummyDaemon() *DummyDaemon { return &DummyDaemon{} }

func (*DummyDaemon) URI() string    { return "" }
func (*DummyDaemon) Acquire() error { return nil }
func (*DummyDaemon) Release() error { return nil }
