// Package protocol implements the PostgreSQL wire protocol.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adrianmcphee/shopquery"
	"github.com/adrianmcphee/shopquery/internal/executor"
	"github.com/jackc/pgproto3/v2"
)

const (
	textOID       = 25
	serverVersion = "15.0 (shopquery)"
)

// Server handles PostgreSQL wire protocol connections
type Server struct {
	port     int
	executor *executor.Executor
	logger   shopquery.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	conns    sync.WaitGroup
	nextPID  uint32
}

// NewServer creates a protocol server answering queries with exec.
// Port 0 picks a free port; see Addr.
func NewServer(port int, exec *executor.Executor, logger shopquery.Logger) *Server {
	if logger == nil {
		logger = &shopquery.NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		port:     port,
		executor: exec,
		logger:   logger,
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for connections. It blocks until Close is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

// Close stops accepting connections, cancels in-flight queries and waits
// for open connections to finish.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.conns.Wait()
	return err
}

// handleConnection processes a single client connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Unblock Receive when the server shuts down.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("connection opened", "remote", remote)

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	if err := s.handleStartup(conn, backend); err != nil {
		s.logger.Warn("startup failed", "remote", remote, "error", err)
		return
	}

	// After an extended-protocol error, messages are discarded until Sync.
	skipUntilSync := false

	for {
		msg, err := backend.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Warn("receive error", "remote", remote, "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(backend, m.String); err != nil {
				s.logger.Warn("send error", "remote", remote, "error", err)
				return
			}

		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute:
			if skipUntilSync {
				continue
			}
			skipUntilSync = true
			err := backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  "extended query protocol is not supported, use the simple query protocol",
			})
			if err != nil {
				return
			}

		case *pgproto3.Sync:
			skipUntilSync = false
			if err := backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
				return
			}

		case *pgproto3.Terminate:
			s.logger.Debug("connection terminated", "remote", remote)
			return

		default:
			s.logger.Debug("unhandled message", "remote", remote, "type", fmt.Sprintf("%T", msg))
		}
	}
}

// handleStartup declines SSL and answers the startup message.
func (s *Server) handleStartup(conn net.Conn, backend *pgproto3.Backend) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("receive startup: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			// Declining with 'N' makes the client resend a plain startup message.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return fmt.Errorf("write SSL response: %w", err)
			}
			continue

		case *pgproto3.CancelRequest:
			return errors.New("cancel requests are not supported")

		case *pgproto3.StartupMessage:
			s.logger.Debug("startup",
				"database", m.Parameters["database"],
				"user", m.Parameters["user"],
				"protocol", fmt.Sprintf("%d.%d", m.ProtocolVersion>>16, m.ProtocolVersion&0xFFFF),
			)
			return s.sendStartupResponse(backend)

		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

func (s *Server) sendStartupResponse(backend *pgproto3.Backend) error {
	msgs := []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: serverVersion},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO, MDY"},
		&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"},
		&pgproto3.ParameterStatus{Name: "integer_datetimes", Value: "on"},
		&pgproto3.ParameterStatus{Name: "standard_conforming_strings", Value: "on"},
		&pgproto3.BackendKeyData{ProcessID: atomic.AddUint32(&s.nextPID, 1), SecretKey: 0},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	return sendAll(backend, msgs)
}

// handleQuery processes a simple query
func (s *Server) handleQuery(backend *pgproto3.Backend, query string) error {
	s.logger.Debug("query", "sql", query)

	var msgs []pgproto3.BackendMessage
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")

	switch {
	case trimmed == "":
		msgs = append(msgs, &pgproto3.EmptyQueryResponse{})

	case strings.EqualFold(trimmed, "SELECT version()"):
		msgs = append(msgs,
			rowDescription([]string{"version"}),
			&pgproto3.DataRow{Values: [][]byte{[]byte("PostgreSQL " + serverVersion)}},
			&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		)

	default:
		result, err := s.executor.Execute(s.ctx, query)
		if err != nil {
			s.logger.Debug("query failed", "sql", query, "error", err)
			msgs = append(msgs, &pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     executor.SQLState(err),
				Message:  err.Error(),
			})
			break
		}
		if len(result.Columns) > 0 {
			msgs = append(msgs, rowDescription(result.Columns))
			for _, row := range result.Rows {
				values := make([][]byte, len(row))
				for i, v := range row {
					values[i] = []byte(v)
				}
				msgs = append(msgs, &pgproto3.DataRow{Values: values})
			}
		}
		msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte(result.Message)})
	}

	msgs = append(msgs, &pgproto3.ReadyForQuery{TxStatus: 'I'})
	return sendAll(backend, msgs)
}

func rowDescription(names []string) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(names))
	for i, name := range names {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func sendAll(backend *pgproto3.Backend, msgs []pgproto3.BackendMessage) error {
	for _, msg := range msgs {
		if err := backend.Send(msg); err != nil {
			return err
		}
	}
	return nil
}
