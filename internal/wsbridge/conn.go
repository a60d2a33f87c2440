package wsbridge

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream adapts a websocket connection to the byte stream the ACP
// connection reads and writes. Frame boundaries carry no meaning: reads
// concatenate incoming messages, each write goes out as one text message.
type wsStream struct {
	conn *websocket.Conn

	// readBuf holds the unconsumed tail of the last frame. Only the ACP
	// read loop calls Read, so it needs no lock.
	readBuf []byte

	writeMu sync.Mutex

	doneOnce sync.Once
	done     chan struct{}
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn, done: make(chan struct{})}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.markDone()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		s.readBuf = data
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		s.markDone()
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	err := s.conn.Close()
	s.markDone()
	return err
}

// Done is closed once the socket stops carrying data in either direction.
func (s *wsStream) Done() <-chan struct{} {
	return s.done
}

func (s *wsStream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
