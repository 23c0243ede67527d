package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/inference"
	"github.com/jack-braga/kitchen-sync/internal/protocol"
)

// recordingConn logs sends and closes in order; Recv blocks until Close
type recordingConn struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
	once   sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{done: make(chan struct{})}
}

func (c *recordingConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "send:"+string(msg.Type))
	return nil
}

func (c *recordingConn) Recv() (protocol.Message, error) {
	<-c.done
	return protocol.Message{}, protocol.ErrClosed
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.events = append(c.events, "close")
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *recordingConn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestRemoteEngine_UnloadsBeforeDisconnect(t *testing.T) {
	conn := newRecordingConn()
	client := inference.New(remoteEngine{Conn: conn})

	require.NoError(t, client.Close())

	assert.Equal(t, []string{"send:" + string(protocol.KindUnloadModel), "close"}, conn.Events())
}

func TestRemoteEngine_ClosesWhenUnloadFails(t *testing.T) {
	client, server := protocol.Pipe()
	require.NoError(t, server.Close())

	assert.NoError(t, remoteEngine{Conn: client}.Close())
	assert.ErrorIs(t, client.Send(protocol.UnloadModel()), protocol.ErrClosed)
}
