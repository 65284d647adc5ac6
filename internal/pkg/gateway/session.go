package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
)

const writeTimeout = 10 * time.Second

// session is one accepted stream connection. Writes may come from any goroutine; reads and
// imei belong to the connection goroutine.
type session struct {
	conn net.Conn
	addr string
	imei string

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSession(conn net.Conn) *session {
	return &session{conn: conn, addr: addrString(conn.RemoteAddr())}
}

func (s *session) RemoteAddr() string { return s.addr }

func (s *session) Write(frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(frame)
	return errors.Annotatef(err, "write addr=%s", s.addr)
}

// Close is safe to call more than once, only the first call closes the connection.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func addrString(a net.Addr) string {
	if a == nil {
		return "-"
	}
	return a.String()
}
