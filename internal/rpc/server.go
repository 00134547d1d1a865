// Package rpc implements a RESP-style line protocol for low-overhead local
// ingest. A companion process on the same host (the UI shell, a device
// bridge) feeds mutations to the engine without HTTP framing cost.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/vitalsync/vitalsync/internal/coalesce"
	"github.com/vitalsync/vitalsync/internal/store"
)

// Server is a lightweight TCP server for high-throughput enqueue.
type Server struct {
	store     *store.Store
	coalescer *coalesce.Coalescer
	mu        sync.RWMutex
	listener  net.Listener
	addr      string
	wg        sync.WaitGroup
	quit      chan struct{}
}

// New creates a new ingest server. coalescer may be nil, in which case
// SETVALUE enqueues directly.
func New(s *store.Store, coalescer *coalesce.Coalescer, addr string) *Server {
	return &Server{
		store:     s,
		coalescer: coalescer,
		addr:      addr,
		quit:      make(chan struct{}),
	}
}

// Start begins listening and accepting connections. Blocks until the listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingest listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Info("ingest server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				slog.Error("ingest accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener address. Only valid after Start is called.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Shutdown gracefully stops the server, closing the listener and waiting for connections to drain.
func (s *Server) Shutdown() error {
	close(s.quit)
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	// Allow up to 1MB lines for large payloads.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmd, rest := splitFirst(line)
		switch strings.ToUpper(cmd) {
		case "PING":
			fmt.Fprintf(conn, "+PONG\r\n")

		case "ENQUEUE":
			// ENQUEUE <entity_type> <entity_id> <op_type> [json_payload]
			entityType, rest := splitFirst(rest)
			entityID, rest := splitFirst(rest)
			opType, payloadRaw := splitFirst(rest)
			if entityType == "" || entityID == "" || opType == "" {
				fmt.Fprintf(conn, "-ERR usage: ENQUEUE <entity_type> <entity_id> <op_type> [json_payload]\r\n")
				continue
			}
			var payload map[string]any
			if payloadRaw != "" {
				if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
					fmt.Fprintf(conn, "-ERR invalid payload: %s\r\n", err.Error())
					continue
				}
			}
			op, err := s.store.Enqueue(store.EnqueueRequest{
				EntityType: entityType,
				EntityID:   entityID,
				OpType:     opType,
				Payload:    payload,
			})
			if err != nil {
				fmt.Fprintf(conn, "-ERR %s\r\n", err.Error())
				continue
			}
			fmt.Fprintf(conn, "+%s\r\n", op.ID)

		case "SETVALUE":
			// SETVALUE <device_id> <value>
			deviceID, valueRaw := splitFirst(rest)
			value, err := strconv.ParseFloat(strings.TrimSpace(valueRaw), 64)
			if deviceID == "" || err != nil {
				fmt.Fprintf(conn, "-ERR usage: SETVALUE <device_id> <numeric_value>\r\n")
				continue
			}
			if s.coalescer != nil {
				s.coalescer.QueueSetValue(deviceID, value)
				fmt.Fprintf(conn, "+QUEUED\r\n")
				continue
			}
			op, err := s.store.Enqueue(store.EnqueueRequest{
				EntityType: "device",
				EntityID:   deviceID,
				OpType:     store.OpControl,
				Payload:    map[string]any{"action": "set_value", "value": value},
			})
			if err != nil {
				fmt.Fprintf(conn, "-ERR %s\r\n", err.Error())
				continue
			}
			fmt.Fprintf(conn, "+%s\r\n", op.ID)

		default:
			fmt.Fprintf(conn, "-ERR unknown command '%s'\r\n", cmd)
		}
	}
}

// splitFirst splits s into the first space-delimited word and the rest of the string.
func splitFirst(s string) (string, string) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}
