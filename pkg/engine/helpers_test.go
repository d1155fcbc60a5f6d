package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/xfer-go/pkg/testserver"
)

func startServer(t *testing.T, mode testserver.UpgradeMode) *testserver.Server {
	t.Helper()
	cfg := testserver.DefaultConfig()
	cfg.UpgradeMode = mode
	srv, err := testserver.New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, srv.Close()) })
	return srv
}

func newMulti(t *testing.T, cfg MultiConfig) *Multi {
	t.Helper()
	m, err := NewMulti(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	return m
}

func newEasy(t *testing.T, url string) *Easy {
	t.Helper()
	e, err := NewEasy()
	require.NoError(t, err)
	require.NoError(t, e.Setopt(OptURL, url))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// drive runs the pool until every transfer has finished and returns the
// completion messages in the order they were read.
func drive(t *testing.T, m *Multi) []*Message {
	t.Helper()
	var msgs []*Message
	deadline := time.Now().Add(10 * time.Second)
	for {
		running, err := m.Perform()
		require.NoError(t, err)
		for msg, _ := m.InfoRead(); msg != nil; msg, _ = m.InfoRead() {
			msgs = append(msgs, msg)
		}
		if running == 0 {
			return msgs
		}
		require.True(t, time.Now().Before(deadline), "transfers did not finish in time")
		_, err = m.Wait(time.Second)
		require.NoError(t, err)
	}
}

func driveOne(t *testing.T, m *Multi, e *Easy) *Message {
	t.Helper()
	require.NoError(t, m.Add(e))
	msgs := drive(t, m)
	require.Len(t, msgs, 1)
	require.Same(t, e, msgs[0].Easy)
	assert.Equal(t, MsgDone, msgs[0].Kind)
	return msgs[0]
}

// silentServer accepts connections and never answers
type silentServer struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
}

func startSilentServer(t *testing.T) *silentServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &silentServer{ln: ln, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(s.close)
	return s
}

func (s *silentServer) url(scheme string) string {
	return scheme + "://" + s.ln.Addr().String() + "/hang"
}

func (s *silentServer) close() {
	_ = s.ln.Close()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// closedPortURL returns a URL on a port nothing listens on
func closedPortURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr + "/"
}
