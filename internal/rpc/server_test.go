package rpc

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/vitalsync/vitalsync/internal/coalesce"
	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/store"
)

func setupTest(t *testing.T, co *coalesce.Coalescer) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	srv := New(s, co, "127.0.0.1:0")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Wait for listener to be ready.
	for srv.Addr() == nil {
	}

	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv, s
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRecv(t *testing.T, conn net.Conn, cmd string) string {
	t.Helper()
	_, _ = fmt.Fprintf(conn, "%s\n", cmd)
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response for %q: %v", cmd, scanner.Err())
	}
	return scanner.Text()
}

func TestPing(t *testing.T) {
	srv, _ := setupTest(t, nil)
	conn := dial(t, srv)

	resp := sendRecv(t, conn, "PING")
	if resp != "+PONG" {
		t.Fatalf("expected +PONG, got %q", resp)
	}
}

func TestEnqueue(t *testing.T) {
	srv, s := setupTest(t, nil)
	conn := dial(t, srv)

	resp := sendRecv(t, conn, `ENQUEUE reading r1 update {"bpm":72}`)
	if resp[0] != '+' {
		t.Fatalf("expected +opid, got %q", resp)
	}
	opID := resp[1:]

	ops, err := s.PendingOps()
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("pending count = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.ID != opID {
		t.Errorf("op ID = %q, want %q", op.ID, opID)
	}
	if op.EntityType != "reading" || op.EntityID != "r1" || op.OpType != store.OpUpdate {
		t.Errorf("op = %+v", op)
	}
	if op.Payload["bpm"] != float64(72) {
		t.Errorf("payload = %v", op.Payload)
	}
}

func TestEnqueueWithoutPayload(t *testing.T) {
	srv, s := setupTest(t, nil)
	conn := dial(t, srv)

	resp := sendRecv(t, conn, "ENQUEUE reading r2 delete")
	if resp[0] != '+' {
		t.Fatalf("expected +opid, got %q", resp)
	}

	ops, err := s.PendingOps()
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != 1 || ops[0].OpType != store.OpDelete {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestEnqueueBadInput(t *testing.T) {
	srv, _ := setupTest(t, nil)
	conn := dial(t, srv)

	if resp := sendRecv(t, conn, "ENQUEUE reading"); resp[0] != '-' {
		t.Errorf("missing args: got %q", resp)
	}
	if resp := sendRecv(t, conn, "ENQUEUE reading r1 update not-json"); resp[0] != '-' {
		t.Errorf("bad payload: got %q", resp)
	}
	if resp := sendRecv(t, conn, "BOGUS"); resp[0] != '-' {
		t.Errorf("unknown command: got %q", resp)
	}
}

func TestSetValueDirect(t *testing.T) {
	srv, s := setupTest(t, nil)
	conn := dial(t, srv)

	resp := sendRecv(t, conn, "SETVALUE dev42 55")
	if resp[0] != '+' {
		t.Fatalf("expected +opid, got %q", resp)
	}

	ops, err := s.PendingOps()
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("pending count = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.OpType != store.OpControl || op.Payload["action"] != "set_value" || op.Payload["value"] != float64(55) {
		t.Errorf("op = %+v", op)
	}
}

func TestSetValueCoalesced(t *testing.T) {
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	co := coalesce.New(s, coalesce.Config{DebounceWindow: time.Millisecond, FlushDelay: time.Millisecond})
	t.Cleanup(co.Dispose)

	srv := New(s, co, "127.0.0.1:0")
	go srv.Start()
	for srv.Addr() == nil {
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	conn := dial(t, srv)

	for _, v := range []string{"10", "30", "55"} {
		if resp := sendRecv(t, conn, "SETVALUE dev42 "+v); resp != "+QUEUED" {
			t.Fatalf("expected +QUEUED, got %q", resp)
		}
	}
	co.Flush()

	ops, err := s.PendingOps()
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("pending count = %d, want 1 coalesced op", len(ops))
	}
	if ops[0].Payload["value"] != float64(55) {
		t.Errorf("coalesced value = %v", ops[0].Payload["value"])
	}
}

func TestSetValueBadInput(t *testing.T) {
	srv, _ := setupTest(t, nil)
	conn := dial(t, srv)

	if resp := sendRecv(t, conn, "SETVALUE dev42 not-a-number"); resp[0] != '-' {
		t.Errorf("bad value: got %q", resp)
	}
}
