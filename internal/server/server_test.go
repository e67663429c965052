package server_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/apaku/tracetool/internal/archive"
	"github.com/apaku/tracetool/internal/fanout"
	"github.com/apaku/tracetool/internal/ingest"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/server"
	"github.com/apaku/tracetool/internal/store"
	"github.com/apaku/tracetool/pkg/types"
)

func newTestServer(t *testing.T) (*server.Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := store.Open(filepath.Join(dir, "live.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	caches := normalize.NewCaches(types.CacheConfig{PathCapacity: 10, FunctionCapacity: 10, ProcessCapacity: 10, ThreadCapacity: 10, TracePointCapacity: 10})
	registry := fanout.NewRegistry(logger)
	arc := archive.New(s, caches, logger)
	controller := ingest.NewController(s, caches, registry, arc, logger)

	producerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	producerAddr := producerLn.Addr().String()
	producerLn.Close()

	guiLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	guiAddr := guiLn.Addr().String()
	guiLn.Close()

	srv := server.New(server.Config{ProducerAddress: producerAddr, GUIAddress: guiAddr}, controller, arc, registry, s.Path(), logger)
	return srv, producerAddr, guiAddr
}

func waitForListener(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failed to dial %s: %v", addr, lastErr)
	return nil
}

// TestEndToEndSingleEntry covers spec.md §8 end-to-end scenario 1: a
// single producer entry arrives, is persisted, and is broadcast to a
// connected GUI along with the connect-time file name datagram.
func TestEndToEndSingleEntry(t *testing.T) {
	srv, producerAddr, guiAddr := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	guiConn := waitForListener(t, guiAddr)
	defer guiConn.Close()

	fileFrame, err := fanout.ReadFrame(guiConn)
	require.NoError(t, err)
	require.Equal(t, fanout.TraceFileNameDatagram, fileFrame.Type)

	producerConn := waitForListener(t, producerAddr)
	defer producerConn.Close()

	xmlInput := `<traceentry pid="100" process_starttime="1000" tid="7" time="2000">` +
		`<type>1</type><location lineno="42">/a/b.cpp</location><function>f</function>` +
		`<processname>p</processname><message>hi</message></traceentry>`
	_, err = producerConn.Write([]byte(xmlInput))
	require.NoError(t, err)

	entryFrame, err := fanout.ReadFrame(guiConn)
	require.NoError(t, err)
	require.Equal(t, fanout.TraceEntryDatagram, entryFrame.Type)

	got, err := fanout.DecodeTraceEntry(entryFrame.Payload)
	require.NoError(t, err)
	require.Equal(t, int64(100), got.ProcessID)
	require.Equal(t, "hi", got.Message)

	cancel()
	<-done
}

// TestGUINukeDatagram covers spec.md §8 end-to-end scenario 5: a GUI
// sending DatabaseNukeDatagram triggers nuke_database and receives
// DatabaseNukeFinishedDatagram.
func TestGUINukeDatagram(t *testing.T) {
	srv, _, guiAddr := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	guiConn := waitForListener(t, guiAddr)
	defer guiConn.Close()

	_, err := fanout.ReadFrame(guiConn) // TraceFileNameDatagram
	require.NoError(t, err)

	encoded, err := fanout.Encode(fanout.Frame{Type: fanout.DatabaseNukeDatagram})
	require.NoError(t, err)
	_, err = guiConn.Write(encoded)
	require.NoError(t, err)

	finished, err := fanout.ReadFrame(guiConn)
	require.NoError(t, err)
	require.Equal(t, fanout.DatabaseNukeFinishedDatagram, finished.Type)

	cancel()
	<-done
}
