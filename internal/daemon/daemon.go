// Package daemon boots the coordination daemon: workspace scaffolding,
// single-instance locking, credential minting, the loopback HTTP listener,
// and the runtime descriptor that clients discover.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teamd-project/teamd/internal/fsio"
	"github.com/teamd-project/teamd/internal/httpapi"
	"github.com/teamd-project/teamd/internal/store"
)

// Version is reported by /healthz and the CLI.
const Version = "0.3.0"

// Options configures Start.
type Options struct {
	// Root is the workspace root directory. Created 0700 if missing.
	Root string
	// TeamID scopes the lock, scaffold, and runtime descriptor.
	TeamID string
	// Token is the bearer credential; minted when empty.
	Token string
	// Port binds the loopback listener; 0 picks an ephemeral port.
	Port int
	// Team optionally seeds the team record on first start.
	Team *store.Team
	// Logger receives lifecycle lines; defaults to the standard logger.
	Logger *log.Logger
}

// Daemon is a running coordination daemon. Close shuts the listener down
// and releases the lock; it is safe on every path, error or success.
type Daemon struct {
	URL   string
	Token string

	store    *store.Store
	teamID   string
	lockPath string
	server   *http.Server
	listener net.Listener
	logger   *log.Logger

	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Start brings the daemon up. On any failure the partially-acquired
// resources (lock, listener) are released before returning.
func Start(ctx context.Context, opts Options) (d *Daemon, err error) {
	if opts.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "teamd: ", log.LstdFlags)
	}

	st, err := store.Open(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace root: %w", err)
	}
	// Seed before scaffolding: scaffolding writes a default empty team
	// record, and CreateTeam never overwrites an existing one.
	if opts.Team != nil {
		if _, err := st.CreateTeam(opts.Team); err != nil {
			return nil, fmt.Errorf("failed to seed team record: %w", err)
		}
	}
	if err := st.ScaffoldTeam(opts.TeamID); err != nil {
		return nil, fmt.Errorf("failed to scaffold team %s: %w", opts.TeamID, err)
	}

	teamDir, err := fsio.SafeJoin(st.Root(), opts.TeamID)
	if err != nil {
		return nil, fmt.Errorf("invalid team id: %w", err)
	}

	lockPath, err := acquireLock(teamDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			releaseLock(lockPath)
		}
	}()

	token := opts.Token
	if token == "" {
		token, err = mintToken()
		if err != nil {
			return nil, err
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind loopback listener: %w", err)
	}
	defer func() {
		if err != nil {
			listener.Close()
		}
	}()

	url := fmt.Sprintf("http://%s", listener.Addr().String())
	runtime := &store.Runtime{
		SchemaVersion: store.SchemaVersion,
		URL:           url,
		Token:         token,
		PID:           os.Getpid(),
	}
	runtimePath := filepath.Join(teamDir, "runtime.json")
	if err = fsio.WriteJSONAtomic(runtimePath, runtime); err != nil {
		return nil, fmt.Errorf("failed to write runtime descriptor: %w", err)
	}
	if err = fsio.SecureFile(runtimePath); err != nil {
		return nil, err
	}

	handler := httpapi.New(st, token, opts.TeamID, Version)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	d = &Daemon{
		URL:      url,
		Token:    token,
		store:    st,
		teamID:   opts.TeamID,
		lockPath: lockPath,
		server:   srv,
		listener: listener,
		logger:   logger,
	}

	group, _ := errgroup.WithContext(ctx)
	d.group = group
	group.Go(func() error {
		if serr := srv.Serve(listener); serr != nil && serr != http.ErrServerClosed {
			return serr
		}
		return nil
	})

	logger.Printf("listening on %s (team %s, pid %d)", url, opts.TeamID, os.Getpid())
	return d, nil
}

// Store returns the daemon's store, for in-process callers and tests.
func (d *Daemon) Store() *store.Store { return d.store }

// TeamID returns the team this daemon serves.
func (d *Daemon) TeamID() string { return d.teamID }

// Close stops the listener, waits for in-flight requests, and releases the
// lock. Idempotent.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			d.closeErr = err
		}
		if err := d.group.Wait(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
		releaseLock(d.lockPath)
		d.logger.Printf("stopped (team %s)", d.teamID)
	})
	return d.closeErr
}

// mintToken produces a fresh 256-bit random credential in hex.
func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to mint credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
