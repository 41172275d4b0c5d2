// Package redistest runs an ephemeral redis-server for unit tests.
package redistest

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Redis server and client for use in end-to-end unit tests.
type Redis struct {
	Cmd    *exec.Cmd
	Client *redis.Client

	tb      testing.TB
	wg      sync.WaitGroup
	done    chan struct{}
	cmdErr  error
	errLock sync.Mutex
	tempDir string
}

// NewRedis starts an ephemeral Redis server on a unix socket and returns a
// connected client. Tests are skipped when no redis-server binary is
// installed.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not installed:", err)
	}
	dir, err := ioutil.TempDir("", "redistest-")
	if err != nil {
		t.Fatal("Failed to get temp dir:", err)
	}
	socket := filepath.Join(dir, "redis.sock")
	cmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--loglevel", "verbose")
	cmd.Dir = dir
	cmd.Stdout = &logWriter{tb: t}
	cmd.Stderr = &logWriter{tb: t}
	r := &Redis{
		Cmd:     cmd,
		tb:      t,
		done:    make(chan struct{}),
		tempDir: dir,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.done)
		err := cmd.Run()
		r.errLock.Lock()
		r.cmdErr = err
		r.errLock.Unlock()
	}()
	r.Client = redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	// Give Redis a second to start up.
	startupTicker := time.NewTicker(100 * time.Millisecond)
	defer startupTicker.Stop()
	var pingErr error
tryLoop:
	for try := 0; try < 30; try++ {
		if try > 0 {
			select {
			case <-startupTicker.C:
				break
			case <-r.done:
				break tryLoop
			}
		}
		pingErr = r.Client.Ping(ctx).Err()
		if errors.Is(pingErr, redis.ErrClosed) {
			continue // Redis still not up
		} else if errors.Is(pingErr, os.ErrNotExist) {
			continue // Redis hasn't even created the socket yet
		} else if pingErr != nil {
			t.Fatal("Failed to ping Redis:", pingErr.Error())
		}
		t.Log("redistest: Redis is up")
		return r
	}
	if err := r.err(); err != nil {
		t.Fatal("Subprocess failed:", err)
	}
	t.Fatal("Failed to ping Redis:", pingErr)
	return nil
}

// Close shuts down the server and removes its working directory.
// Close is idempotent.
func (r *Redis) Close() {
	r.tb.Log("redistest: Removing", r.tempDir)
	if r.Cmd.Process != nil {
		_ = r.Cmd.Process.Kill()
	}
	r.wg.Wait()
	_ = os.RemoveAll(r.tempDir)
}

func (r *Redis) err() error {
	r.errLock.Lock()
	defer r.errLock.Unlock()
	return r.cmdErr
}

// logWriter forwards the server log to the test log, line by line.
type logWriter struct {
	tb  testing.TB
	buf bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			w.buf.Write(line) // keep the partial line buffered
			break
		}
		w.tb.Log("redis: " + strings.TrimRight(string(line), "\n"))
	}
	return len(p), nil
}
