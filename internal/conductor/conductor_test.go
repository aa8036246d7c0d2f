package conductor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wpwrapperd/internal/conductor"
	"wpwrapperd/internal/osiface"
	"wpwrapperd/internal/protocol"
)

var errSpawnBoom = errors.New("boom")

func newTestConductor(t *testing.T) (*conductor.Conductor, *osiface.FakeSpawner) {
	t.Helper()
	spawner := osiface.NewFakeSpawner()
	c, err := conductor.New(conductor.Config{ListenAddr: "127.0.0.1:0", Spawner: spawner})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)

	return c, spawner
}

func dial(t *testing.T, addr string) (*protocol.Reader, *protocol.Writer, func()) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return protocol.NewReader(conn), protocol.NewWriter(conn), func() { conn.Close() }
}

func TestConductorCreateForwardDestroy(t *testing.T) {
	c, spawner := newTestConductor(t)
	reader, writer, closeConn := dial(t, c.Addr())
	defer closeConn()

	createContent, err := json.Marshal(protocol.CreateOptions{Path: "/usr/bin/sertop", Args: nil})
	require.NoError(t, err)

	require.NoError(t, writer.WriteRequest(&protocol.Request{Verb: protocol.VerbCreate, Content: string(createContent)}))

	resp, err := reader.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.Equal(t, protocol.VerbCreate, resp.Verb)
	instanceID := resp.InstanceID
	require.NotZero(t, instanceID)

	require.Eventually(t, func() bool { return len(spawner.Handles()) == 1 }, time.Second, 10*time.Millisecond)
	handle := spawner.Handles()[0]

	require.NoError(t, writer.WriteRequest(&protocol.Request{Verb: protocol.VerbForward, InstanceID: instanceID, Content: "2 + 2."}))

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, err := handle.StdinR.Read(buf)
		return err == nil && n > 0
	}, time.Second, 10*time.Millisecond)

	_, err = handle.StdoutW().Write([]byte("answer = 4\n\x00"))
	require.NoError(t, err)

	forwardResp, err := reader.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.VerbForward, forwardResp.Verb)
	require.Equal(t, instanceID, forwardResp.InstanceID)
	require.Equal(t, "answer = 4\n", forwardResp.Content)

	require.NoError(t, writer.WriteRequest(&protocol.Request{Verb: protocol.VerbDestroy, InstanceID: instanceID}))

	destroyResp, err := reader.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.VerbDestroy, destroyResp.Verb)
	require.Equal(t, protocol.StatusSuccess, destroyResp.Status)
}

func TestConductorClosingSocketDestroysMappedWorker(t *testing.T) {
	c, spawner := newTestConductor(t)
	reader, writer, closeConn := dial(t, c.Addr())

	require.NoError(t, writer.WriteRequest(&protocol.Request{Verb: protocol.VerbCreate}))

	resp, err := reader.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	instanceID := resp.InstanceID
	require.NotZero(t, instanceID)

	require.Eventually(t, func() bool { return len(spawner.Handles()) == 1 }, time.Second, 10*time.Millisecond)
	handle := spawner.Handles()[0]

	// Close the raw socket without sending a destroy request: the wire
	// server invalidates the connection, and the conductor must tear down
	// the worker that connection owned on its own, not leave it running.
	closeConn()

	require.Eventually(t, func() bool {
		return handle.Killed() || len(handle.Signals()) > 0
	}, 3*time.Second, 10*time.Millisecond, "worker's child was never signaled after its connection was invalidated")
}

func TestConductorCreateFailurePropagatesError(t *testing.T) {
	c, spawner := newTestConductor(t)
	reader, writer, closeConn := dial(t, c.Addr())
	defer closeConn()

	spawner.SpawnErr = errSpawnBoom

	require.NoError(t, writer.WriteRequest(&protocol.Request{Verb: protocol.VerbCreate, Content: `{"path":"/bad/path"}`}))

	resp, err := reader.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusFailure, resp.Status)
}
