package header

import (
	"fmt"

	gvh "gvisor.dev/gvisor/pkg/tcpip/header"
)

type (
	TCP       = gvh.TCP
	TCPFields = gvh.TCPFields
	TCPFlags  = gvh.TCPFlags
)

const TCPMinSize = gvh.TCPMinimumSize

const (
	TCPFlagFin = gvh.TCPFlagFin
	TCPFlagSyn = gvh.TCPFlagSyn
	TCPFlagRst = gvh.TCPFlagRst
	TCPFlagPsh = gvh.TCPFlagPsh
	TCPFlagAck = gvh.TCPFlagAck
)

// ParseTCP — проверить длину и data offset.
func ParseTCP(b []byte) (TCP, error) {
	if len(b) < TCPMinSize {
		return nil, fmt.Errorf("%w: tcp %d bytes", ErrTruncated, len(b))
	}
	h := TCP(b)
	if off := int(h.DataOffset()); off < TCPMinSize || off > len(b) {
		return nil, fmt.Errorf("%w: tcp data offset %d", ErrBadIHL, off)
	}
	return h, nil
}
