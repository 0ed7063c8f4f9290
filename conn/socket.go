// Package conn owns the IRC socket lifecycle: one supervised Conn per watched
// channel plus a privileged primary Conn for the operator's own channel,
// managed by a Pool. Cancellation of stale asynchronous work is cooperative,
// via a per-Conn generation counter and stopped flag.
package conn

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Socket is one duplex line-oriented connection. Implementations must be safe
// for one concurrent reader plus writers.
type Socket interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
}

// Dialer opens a Socket. Injected so tests can substitute scripted sockets.
type Dialer func(ctx context.Context, url string) (Socket, error)

// DialWebSocket connects to an IRC-over-WebSocket endpoint. A single
// WebSocket frame may carry several CRLF-separated lines; ReadLine returns
// them one at a time.
func DialWebSocket(ctx context.Context, url string) (Socket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsSocket{ws: ws}, nil
}

type wsSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pending []string
}

func (s *wsSocket) ReadLine() (string, error) {
	for len(s.pending) == 0 {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line != "" {
				s.pending = append(s.pending, line)
			}
		}
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *wsSocket) WriteLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func (s *wsSocket) Close() error {
	return s.ws.Close()
}
