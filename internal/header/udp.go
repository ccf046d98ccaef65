package header

import (
	"fmt"

	gvh "gvisor.dev/gvisor/pkg/tcpip/header"
)

type (
	UDP       = gvh.UDP
	UDPFields = gvh.UDPFields
)

const UDPSize = gvh.UDPMinimumSize

// ParseUDP — проверить длину заголовка и поле Length.
func ParseUDP(b []byte) (UDP, error) {
	if len(b) < UDPSize {
		return nil, fmt.Errorf("%w: udp %d bytes", ErrTruncated, len(b))
	}
	h := UDP(b)
	if n := h.Length(); n < UDPSize {
		return nil, fmt.Errorf("%w: udp length field %d", ErrTruncated, n)
	}
	return h, nil
}

// UDPChecksum — значение поля суммы: ноль в UDP значит «суммы нет»,
// поэтому вычисленный 0 уходит как 0xffff.
func UDPChecksum(x uint16) uint16 {
	if x == 0 {
		return 0xffff
	}
	return x
}
