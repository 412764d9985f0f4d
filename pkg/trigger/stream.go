package trigger

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogStream fans out zap log lines to connected operators over WebSocket.
// It is a read-only debugging aid, not part of the routing or rotation
// contract, and is never required for correctness.
type LogStream struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewLogStream builds a LogStream. Its Core, teed with the process's own
// zapcore.Core, broadcasts every log line written anywhere in the process.
func NewLogStream(log *zap.Logger) *LogStream {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogStream{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:      log,
		clients:  map[*websocket.Conn]struct{}{},
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast target.
func (s *LogStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("log stream upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The connection is write-only from our side; block reading control
	// frames (ping/close) until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast writes line to every connected client and drops any connection
// whose write fails. Writes are synchronous and have no deadline, so a slow
// client blocks the logging call until its write completes.
func (s *LogStream) Broadcast(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// Core wraps this LogStream as a zapcore.Core sink, usable via
// zap.New(zapcore.NewTee(primaryCore, stream.Core(encoder, level))).
func (s *LogStream) Core(enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return &streamCore{stream: s, enc: enc, LevelEnabler: level}
}

type streamCore struct {
	zapcore.LevelEnabler
	stream *LogStream
	enc    zapcore.Encoder
}

func (c *streamCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone)
	}
	return &streamCore{LevelEnabler: c.LevelEnabler, stream: c.stream, enc: clone}
}

func (c *streamCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *streamCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	c.stream.Broadcast(buf.Bytes())
	return nil
}

func (c *streamCore) Sync() error { return nil }
