package backend

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"rustic/id"
)

// Rclone spawns an `rclone serve restic` subprocess exposing the REST
// protocol on a local pipe (loopback port) and delegates every ObjectStore
// call to an embedded Rest client pointed at that port. Full rclone
// transport management (remote config, credentials) is an external
// collaborator per spec.md §1; this type owns exactly the subprocess
// lifecycle and the handoff to Rest.
type Rclone struct {
	Remote string // rclone remote:path spec, e.g. "myremote:backups/repo"

	cmd  *exec.Cmd
	rest *Rest
}

var _ ObjectStore = (*Rclone)(nil)

// NewRclone prepares (without yet starting) an rclone-backed store for the
// given remote spec.
func NewRclone(remote string) *Rclone {
	return &Rclone{Remote: remote}
}

// Start launches `rclone serve restic` on a free loopback port and waits
// for it to accept connections before returning.
func (r *Rclone) Start(ctx context.Context) error {
	addr, err := freeLoopbackAddr()
	if err != nil {
		return fmt.Errorf("backend: rclone: pick port: %w", err)
	}

	cmd := exec.CommandContext(ctx, "rclone", "serve", "restic", "--addr", addr, r.Remote)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: rclone: start: %w", err)
	}
	r.cmd = cmd
	r.rest = NewRest("http://" + addr)

	return waitForListener(addr, 10*time.Second)
}

// Close terminates the rclone subprocess.
func (r *Rclone) Close() error {
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Kill()
}

func (r *Rclone) Create(ctx context.Context) error {
	return r.rest.Create(ctx)
}

func (r *Rclone) ListWithSize(ctx context.Context, kind FileKind) ([]Entry, error) {
	return r.rest.ListWithSize(ctx, kind)
}

func (r *Rclone) ReadFull(ctx context.Context, kind FileKind, objID id.Id) ([]byte, error) {
	return r.rest.ReadFull(ctx, kind, objID)
}

func (r *Rclone) ReadPartial(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, offset, length int64) ([]byte, error) {
	return r.rest.ReadPartial(ctx, kind, objID, cacheable, offset, length)
}

func (r *Rclone) WriteBytes(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, data []byte) error {
	return r.rest.WriteBytes(ctx, kind, objID, cacheable, data)
}

func (r *Rclone) Remove(ctx context.Context, kind FileKind, objID id.Id, cacheable bool) error {
	return r.rest.Remove(ctx, kind, objID, cacheable)
}

func freeLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	l.Close()
	return addr, nil
}

func waitForListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("backend: rclone: serve restic did not come up on %s", addr)
}
