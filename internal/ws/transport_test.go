package ws

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport feeds inbound frames from a channel and records writes.
type fakeTransport struct {
	inbound   chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	select {
	case f.written <- data:
		return nil
	case <-f.closed:
		return errTransportClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) send(raw string) {
	f.inbound <- []byte(raw)
}

// next waits for the next written frame and decodes it.
func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.written:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// quiet asserts nothing is written within a short window.
func (f *fakeTransport) quiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.written:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
