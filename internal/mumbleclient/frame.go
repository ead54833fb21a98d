package mumbleclient

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mumble-gateway/gateway/internal/mumbleproto"
)

// frame is one `[u16 kind | u32 length | payload]` control-plane
// message.
type frame struct {
	kind mumbleproto.Kind
	buf  []byte
}

func readFrame(r *bufio.Reader) (frame, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	kind := mumbleproto.Kind(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxFrameLength {
		return frame{}, fmt.Errorf("mumbleclient: frame length %d exceeds limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	return frame{kind: kind, buf: buf}, nil
}

// maxFrameLength guards against a malicious or broken server requesting an
// unbounded allocation; the reference server never sends anything close to
// this for control-plane traffic.
const maxFrameLength = 8 * 1024 * 1024

func writeFrame(conn net.Conn, writeTimeout time.Duration, kind mumbleproto.Kind, payload []byte) error {
	header := make([]byte, 6+len(payload))
	binary.BigEndian.PutUint16(header[0:2], uint16(kind))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	copy(header[6:], payload)
	if writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := conn.Write(header)
	return err
}
