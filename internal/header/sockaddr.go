package header

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// SockaddrInet4Size — sizeof(struct sockaddr_in).
const SockaddrInet4Size = 16

// EncodeSockaddrInet4 — struct sockaddr_in в сыром виде, как его ждёт
// libc вызывающего процесса: sin_family в порядке хоста, порт и адрес
// в сетевом порядке, 8 байт нулей.
func EncodeSockaddrInet4(ap netip.AddrPort) []byte {
	b := make([]byte, SockaddrInet4Size)
	binary.NativeEndian.PutUint16(b[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(b[2:4], ap.Port())
	a := ap.Addr()
	if !a.Is4() {
		a = netip.IPv4Unspecified()
	}
	a4 := a.As4()
	copy(b[4:8], a4[:])
	return b
}

// DecodeSockaddrInet4 — обратное преобразование.
// Вход: сырые байты sockaddr. Выход: адрес:порт или ошибка для не-AF_INET.
func DecodeSockaddrInet4(b []byte) (netip.AddrPort, error) {
	if len(b) < 8 {
		return netip.AddrPort{}, fmt.Errorf("%w: sockaddr %d bytes", ErrTruncated, len(b))
	}
	if fam := binary.NativeEndian.Uint16(b[0:2]); fam != unix.AF_INET {
		return netip.AddrPort{}, fmt.Errorf("header: sockaddr family %d is not AF_INET", fam)
	}
	port := binary.BigEndian.Uint16(b[2:4])
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), port), nil
}
