package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultMaxPacketSize bounds the body of a single incoming packet.
const DefaultMaxPacketSize = 16 << 20

// Writer is the write half of a stream. Implementations are safe for
// concurrent use, so the dispatch path and background emitters can share
// one stream without interleaving packets.
type Writer interface {
	WritePacket(v interface{}) error
}

// Stream is a bidirectional packet connection with a debugger client.
type Stream interface {
	Writer
	ReadPacket() (Packet, error)
	RemoteAddr() string
	Close() error
}

var (
	_ Stream = &FramedStream{}
	_ Stream = &WSStream{}
)

// FramedStream speaks length-prefixed packets ("<length>:<json>") over a
// byte stream, usually a TCP connection.
type FramedStream struct {
	rwc     io.ReadWriteCloser
	r       *bufio.Reader
	maxSize int
	logger  logrus.FieldLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewFramedStream wraps rwc. A maxSize <= 0 selects DefaultMaxPacketSize.
func NewFramedStream(rwc io.ReadWriteCloser, maxSize int, logger logrus.FieldLogger) *FramedStream {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &FramedStream{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		maxSize: maxSize,
		logger:  logger,
	}
}

// ReadPacket blocks until a whole packet has been read. It returns io.EOF
// when the peer closed the connection between two packets.
func (s *FramedStream) ReadPacket() (Packet, error) {
	size, err := s.readLength()
	if err != nil {
		return Packet{}, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	s.logger.WithField("category", "rdp:recv").Debugf("<- %s", buf)
	return ParsePacket(buf)
}

func (s *FramedStream) readLength() (int, error) {
	size, digits := 0, 0
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && digits > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: unexpected byte %q in length prefix", ErrBadFraming, b)
		}
		digits++
		size = size*10 + int(b-'0')
		if size > s.maxSize {
			return 0, fmt.Errorf("%w: more than %d bytes", ErrPacketTooLarge, s.maxSize)
		}
	}
	if digits == 0 {
		return 0, fmt.Errorf("%w: empty length prefix", ErrBadFraming)
	}
	return size, nil
}

// WritePacket encodes v and writes it as one framed packet.
func (s *FramedStream) WritePacket(v interface{}) error {
	body, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode packet: %w", err)
	}
	frame := make([]byte, 0, len(body)+12)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, ':')
	frame = append(frame, body...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.WithField("category", "rdp:send").Debugf("-> %s", body)
	_, err = s.rwc.Write(frame)
	return err
}

// RemoteAddr returns the peer address when the stream wraps a net.Conn.
func (s *FramedStream) RemoteAddr() string {
	if c, ok := s.rwc.(net.Conn); ok {
		return c.RemoteAddr().String()
	}
	return ""
}

// Close closes the underlying connection. It's safe to call it more than once.
func (s *FramedStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

// WSStream carries one packet per websocket text message.
type WSStream struct {
	conn   *websocket.Conn
	logger logrus.FieldLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWSStream wraps an established websocket connection.
func NewWSStream(conn *websocket.Conn, maxSize int, logger logrus.FieldLogger) *WSStream {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	conn.SetReadLimit(int64(maxSize))
	return &WSStream{conn: conn, logger: logger}
}

// ReadPacket reads the next text message. A normal close by the peer is
// reported as io.EOF.
func (s *WSStream) ReadPacket() (Packet, error) {
	typ, buf, err := s.conn.ReadMessage()
	if err != nil {
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return Packet{}, io.EOF
		case errors.Is(err, websocket.ErrReadLimit):
			return Packet{}, fmt.Errorf("%w: %s", ErrPacketTooLarge, err)
		}
		return Packet{}, err
	}
	if typ != websocket.TextMessage {
		return Packet{}, fmt.Errorf("%w: expected a text message", ErrBadFraming)
	}
	s.logger.WithField("category", "rdp:recv").Debugf("<- %s", buf)
	return ParsePacket(buf)
}

// WritePacket encodes v and sends it as a single text message.
func (s *WSStream) WritePacket(v interface{}) error {
	body, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode packet: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.WithField("category", "rdp:send").Debugf("-> %s", body)
	return s.conn.WriteMessage(websocket.TextMessage, body)
}

// RemoteAddr returns the peer address.
func (s *WSStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Close sends a close frame and closes the connection.
func (s *WSStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
