package server

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsSocket adapts a gorilla connection to realtime.Socket. WriteMessage is
// only called from the connection's write pump, so data writes never race.
// Pings go through WriteControl, which gorilla allows concurrently.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

// ReadMessage returns the next binary frame. Text frames are skipped.
func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsSocket) WritePing() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *wsSocket) SetPongHandler(h func()) {
	s.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

// closeWithReason sends a close frame before dropping the connection.
func (s *wsSocket) closeWithReason(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	return s.conn.Close()
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
