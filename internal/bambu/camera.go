package bambu

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const (
	cameraReadChunk  = 8192
	cameraIOTimeout  = 10 * time.Second
	maxCameraFrame   = 8 << 20
	cameraAuthHeader = 0x40
	cameraAuthMagic  = 0x3000
)

var (
	jpegStart = []byte{0xFF, 0xD8, 0xFF}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// CameraStream reads JPEG frames from the printer's TCP camera port. The
// printer speaks a tiny proprietary protocol: a fixed auth blob, then an
// endless stream of JPEG images back to back.
type CameraStream struct {
	config PrinterConfig
	conn   *tls.Conn
	buf    bytes.Buffer
}

func NewCameraStream(config PrinterConfig) *CameraStream {
	return &CameraStream{config: config}
}

// Connect dials the camera port and performs the auth exchange.
func (s *CameraStream) Connect(ctx context.Context) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cameraIOTimeout},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	addr := fmt.Sprintf("%s:%d", s.config.Host, CameraPort)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial camera port: %w", err)
	}
	tlsConn := conn.(*tls.Conn)

	auth := cameraAuthBlob(s.config.AccessCode)
	if err := s.exchange(tlsConn, auth); err != nil {
		tlsConn.Close()
		return err
	}

	s.conn = tlsConn
	s.buf.Reset()
	return nil
}

// The camera expects the auth blob, answers with a 16-byte ack, then
// wants the blob a second time before it starts streaming.
func (s *CameraStream) exchange(conn *tls.Conn, auth []byte) error {
	conn.SetDeadline(time.Now().Add(cameraIOTimeout))
	if _, err := conn.Write(auth); err != nil {
		return fmt.Errorf("failed to send camera auth: %w", err)
	}

	ack := make([]byte, 16)
	if _, err := conn.Read(ack); err != nil {
		return fmt.Errorf("camera auth not acknowledged: %w", err)
	}

	if _, err := conn.Write(auth); err != nil {
		return fmt.Errorf("failed to confirm camera auth: %w", err)
	}
	return nil
}

// cameraAuthBlob builds the 80-byte handshake: four little-endian words
// followed by the username and access code padded to 32 bytes each.
func cameraAuthBlob(accessCode string) []byte {
	blob := make([]byte, 0, 80)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:], cameraAuthHeader)
	binary.LittleEndian.PutUint32(header[4:], cameraAuthMagic)
	blob = append(blob, header...)

	blob = append(blob, padField(DefaultUsername)...)
	blob = append(blob, padField(accessCode)...)
	return blob
}

func padField(value string) []byte {
	field := make([]byte, 32)
	copy(field, value)
	return field
}

// ReadFrame blocks until a complete JPEG frame is available.
func (s *CameraStream) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("camera not connected")
	}

	chunk := make([]byte, cameraReadChunk)
	for {
		if frame := s.extractFrame(); frame != nil {
			return frame, nil
		}
		if s.buf.Len() > maxCameraFrame {
			return nil, fmt.Errorf("camera stream desynchronized")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.conn.SetReadDeadline(time.Now().Add(cameraIOTimeout))
		n, err := s.conn.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("camera read failed: %w", err)
		}
		s.buf.Write(chunk[:n])
	}
}

// extractFrame scans the buffer for a SOI..EOI span and consumes it.
func (s *CameraStream) extractFrame() []byte {
	data := s.buf.Bytes()
	start := bytes.Index(data, jpegStart)
	if start < 0 {
		return nil
	}
	end := bytes.Index(data[start:], jpegEnd)
	if end < 0 {
		// Discard garbage before the partial frame.
		if start > 0 {
			s.buf.Next(start)
		}
		return nil
	}
	end = start + end + len(jpegEnd)

	frame := make([]byte, end-start)
	copy(frame, data[start:end])
	s.buf.Next(end)
	return frame
}

// Close tears the stream down.
func (s *CameraStream) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
