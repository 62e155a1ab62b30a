package sdk

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckhost/pkg/protocol"
)

// recordingHandler captures every callback the serve loop dispatches.
type recordingHandler struct {
	started  chan struct{}
	pressed  chan struct{}
	visible  chan [2]int
	config   chan map[string]any
	shutdown chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		started:  make(chan struct{}, 1),
		pressed:  make(chan struct{}, 4),
		visible:  make(chan [2]int, 4),
		config:   make(chan map[string]any, 4),
		shutdown: make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnStart(c *Client) error {
	h.started <- struct{}{}
	return nil
}
func (h *recordingHandler) OnButtonPressed(*Client)  { h.pressed <- struct{}{} }
func (h *recordingHandler) OnButtonReleased(*Client) {}
func (h *recordingHandler) OnButtonVisible(_ *Client, page, button int) {
	h.visible <- [2]int{page, button}
}
func (h *recordingHandler) OnButtonHidden(*Client)  {}
func (h *recordingHandler) Update(*Client, time.Time) {}
func (h *recordingHandler) OnConfigUpdate(_ *Client, config map[string]any) {
	h.config <- config
}
func (h *recordingHandler) OnShutdown(*Client) { h.shutdown <- struct{}{} }

// hostEnd stands in for the runtime: it owns the listener and speaks the
// host side of the channel.
func hostEnd(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "plugin.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return socketPath, conns
}

func TestServeHandshakeDispatchAndShutdown(t *testing.T) {
	socketPath, conns := hostEnd(t)
	h := newRecordingHandler()

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), socketPath, map[string]any{"interval": float64(5)}, h, Options{
			HeartbeatInterval: 20 * time.Millisecond,
			UpdateInterval:    time.Hour,
			ReadTimeout:       20 * time.Millisecond,
		})
	}()

	conn := <-conns
	defer conn.Close()
	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	// READY must be the first thing on the wire.
	_, msg, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.Ready{}, msg)
	<-h.started

	// Heartbeats flow without the host asking.
	_, msg, err = reader.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.Heartbeat{}, msg)

	_, err = writer.WriteMessage(protocol.ButtonVisible{Page: 1, Button: 4})
	require.NoError(t, err)
	assert.Equal(t, [2]int{1, 4}, <-h.visible)

	_, err = writer.WriteMessage(protocol.ButtonPressed{})
	require.NoError(t, err)
	<-h.pressed

	_, err = writer.WriteMessage(protocol.ConfigUpdate{Config: map[string]any{"interval": float64(9)}})
	require.NoError(t, err)
	got := <-h.config
	assert.Equal(t, float64(9), got["interval"])

	_, err = writer.WriteMessage(protocol.Shutdown{})
	require.NoError(t, err)
	<-h.shutdown

	select {
	case err := <-done:
		assert.NoError(t, err, "shutdown is a clean exit")
	case <-time.After(time.Second):
		t.Fatal("serve loop did not return after shutdown")
	}
}

func TestServeReturnsErrorWhenChannelDies(t *testing.T) {
	socketPath, conns := hostEnd(t)
	h := newRecordingHandler()

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), socketPath, nil, h, Options{
			HeartbeatInterval: time.Hour,
			UpdateInterval:    time.Hour,
			ReadTimeout:       20 * time.Millisecond,
		})
	}()

	conn := <-conns
	reader := protocol.NewReader(conn)
	_, _, err := reader.ReadMessage()
	require.NoError(t, err) // READY
	conn.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve loop did not notice the dead channel")
	}
}
