package domain

import (
	"encoding/binary"
	"fmt"
)

// Target is the destination a tunnel session carries bytes to. It
// crosses the hop as the first frame of every tunnel connection:
// 4-byte big-endian host length, host bytes, 2-byte big-endian port,
// every byte mutated by the session cipher.
type Target struct {
	Host string
	Port int
}

const MaxHostLen = 255

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t Target) Validate() error {
	if len(t.Host) == 0 || len(t.Host) > MaxHostLen {
		return fmt.Errorf("host length %d out of range [1,%d]", len(t.Host), MaxHostLen)
	}
	if t.Port <= 0 || t.Port > 0xFFFF {
		return fmt.Errorf("port %d out of range [1,65535]", t.Port)
	}
	return nil
}

// EncodeDescriptor lays out the plaintext target frame. The caller
// mutates it with the session cipher before it touches the wire.
func EncodeDescriptor(t Target) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(t.Host)+2)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(t.Host)))
	copy(buf[4:], t.Host)
	binary.BigEndian.PutUint16(buf[4+len(t.Host):], uint16(t.Port))
	return buf, nil
}
