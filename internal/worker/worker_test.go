package worker_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wpwrapperd/internal/osiface"
	"wpwrapperd/internal/worker"
	"wpwrapperd/internal/wpwerr"
)

func TestNewAppendsPrint0AndStartsChild(t *testing.T) {
	spawner := osiface.NewFakeSpawner()

	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: 7,
		Path:       "/usr/bin/sertop",
		Args:       []string{"--foo"},
		Spawner:    spawner,
	})
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, uint32(7), w.ID())

	specs := spawner.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"--foo", "--print0"}, specs[0].Args)
}

func TestNewReturnsSpawnErrorOnFailure(t *testing.T) {
	spawner := osiface.NewFakeSpawner()
	spawner.SpawnErr = errors.New("no such file")

	_, err := worker.New(context.Background(), worker.Config{
		InstanceID: 1,
		Path:       "/does/not/exist",
		Spawner:    spawner,
	})
	require.Error(t, err)

	var spawnErr *worker.SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestWorkerDeliversFramesToCallback(t *testing.T) {
	spawner := osiface.NewFakeSpawner()

	var mu sync.Mutex
	var frames [][]byte
	received := make(chan struct{}, 4)

	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: 3,
		Path:       "/usr/bin/sertop",
		Spawner:    spawner,
		OnFrame: []worker.FrameCallback{func(id uint32, frame []byte) {
			mu.Lock()
			frames = append(frames, append([]byte(nil), frame...))
			mu.Unlock()
			received <- struct{}{}
		}},
	})
	require.NoError(t, err)
	defer w.Close()

	handle := spawner.Handles()[0]
	_, err = handle.StdoutW().Write([]byte("hello\x00world\x00"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 2)
	assert.Equal(t, "hello", string(frames[0]))
	assert.Equal(t, "world", string(frames[1]))
}

func TestWorkerEnqueueWritesToChildStdin(t *testing.T) {
	spawner := osiface.NewFakeSpawner()

	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: 1,
		Path:       "/usr/bin/sertop",
		Spawner:    spawner,
	})
	require.NoError(t, err)
	defer w.Close()

	handle := spawner.Handles()[0]
	w.Enqueue([]byte("ping\x00"))

	buf := make([]byte, 5)
	n, err := handle.StdinR.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\x00", string(buf[:n]))
}

func TestWorkerFailureCallbackFiresOnChildEOF(t *testing.T) {
	spawner := osiface.NewFakeSpawner()

	failed := make(chan error, 1)
	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: 9,
		Path:       "/usr/bin/sertop",
		Spawner:    spawner,
		OnFailure: []worker.FailureCallback{func(id uint32, err error) {
			failed <- err
		}},
	})
	require.NoError(t, err)

	handle := spawner.Handles()[0]
	require.NoError(t, handle.StdoutW().Close())

	select {
	case err := <-failed:
		require.Error(t, err)
		assert.ErrorIs(t, err, io.EOF)
		var transportErr *wpwerr.Transport
		assert.ErrorAs(t, err, &transportErr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failure callback")
	}

	w.Close()
}

func TestWorkerCloseDoesNotFireFailureCallback(t *testing.T) {
	spawner := osiface.NewFakeSpawner()

	failed := false
	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: 2,
		Path:       "/usr/bin/sertop",
		Spawner:    spawner,
		OnFailure: []worker.FailureCallback{func(id uint32, err error) {
			failed = true
		}},
	})
	require.NoError(t, err)

	handle := spawner.Handles()[0]
	go func() {
		// Simulate the child exiting promptly once stdin closes, the way a
		// well-behaved sertop process would.
		buf := make([]byte, 64)
		for {
			if _, err := handle.StdinR.Read(buf); err != nil {
				handle.Exit(nil)
				return
			}
		}
	}()

	require.NoError(t, w.Close())
	assert.False(t, failed, "Close should not report the worker as failed")
}

func TestWorkerCloseEscalatesToTerminateOnTimeout(t *testing.T) {
	spawner := osiface.NewFakeSpawner()

	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: 4,
		Path:       "/usr/bin/sertop",
		Spawner:    spawner,
	})
	require.NoError(t, err)

	// The fake child never reacts to stdin closing, forcing Close to wait
	// out GracefulShutdownTimeout and escalate.
	require.NoError(t, w.Close())

	handle := spawner.Handles()[0]
	assert.True(t, handle.Killed() || len(handle.Signals()) > 0)
}
