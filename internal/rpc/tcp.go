package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"time"

	"github.com/luminarimud/i3-gateway/internal/session"
)

// serveTCP accepts line-delimited JSON-RPC clients until the listener
// closes.
func (s *Server) serveTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if s.draining.Load() {
			conn.Close()
			continue
		}
		go s.handleTCP(conn)
	}
}

// handleTCP reads one \n-terminated JSON-RPC message per line. There is
// no pre-auth channel here; the first call must be authenticate or
// resume.
func (s *Server) handleTCP(conn net.Conn) {
	client := newClient(s.handler, session.TransportTCP, conn.RemoteAddr().String())
	if !s.register(client, func() { client.Close("shutdown") }) {
		conn.Close()
		return
	}
	s.handler.cfg.Metrics.RecordClientConnected(session.TransportTCP, 1)
	defer func() {
		s.handler.Disconnected(client)
		s.unregister(client)
		s.handler.cfg.Metrics.RecordClientConnected(session.TransportTCP, -1)
	}()

	go s.tcpWriteLoop(client, conn)
	defer client.Close("connection closed")

	ctx := s.baseContext()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 16*1024), maxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSuffix(scanner.Bytes(), []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if sess := client.Session(); sess != nil {
			sess.AddBytes(uint64(len(line)), 0)
		}
		if resp := s.handler.HandleMessage(ctx, client, line); resp != nil {
			client.enqueueResponse(resp)
		}
		select {
		case <-client.Closed():
			return
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// Unframeable stream: tell the client why, then hang up.
			client.enqueueResponse(marshalResponse(errorResponse(nil, &Error{
				Code:    CodeInvalidRequest,
				Message: "message exceeds 65536 bytes",
			})))
			client.Close("oversized message")
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			s.log.Printf("tcp client %s: %v", client.RemoteAddr(), err)
		}
	}
}

// tcpWriteLoop is the connection's only writer and closes the socket on
// exit, which unblocks the scanner.
func (s *Server) tcpWriteLoop(client *Client, conn net.Conn) {
	defer conn.Close()
	for {
		select {
		case msg := <-client.out:
			if !s.tcpWrite(client, conn, msg) {
				return
			}
		case <-client.Closed():
			// Flush queued replies before closing.
			for {
				select {
				case msg := <-client.out:
					if !s.tcpWrite(client, conn, msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) tcpWrite(client *Client, conn net.Conn, msg []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := conn.Write(append(msg, '\n')); err != nil {
		client.Close("write failed")
		return false
	}
	return true
}
