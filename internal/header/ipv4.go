// Package header — заголовки IPv4/TCP/UDP. Представления и кодирование
// берутся из gvisor tcpip/header; здесь проверка границ при разборе,
// перевод адресов в netip и sockaddr_in управляющего канала.
package header

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	gvh "gvisor.dev/gvisor/pkg/tcpip/header"
)

// Ошибки разбора.
var (
	ErrTruncated  = errors.New("header: truncated")
	ErrBadVersion = errors.New("header: not IPv4")
	ErrBadIHL     = errors.New("header: bad header length")
)

type (
	IPv4       = gvh.IPv4
	IPv4Fields = gvh.IPv4Fields
)

// Номера протоколов в поле Protocol.
const (
	ProtoICMP = uint8(gvh.ICMPv4ProtocolNumber)
	ProtoIGMP = uint8(gvh.IGMPProtocolNumber)
	ProtoTCP  = uint8(gvh.TCPProtocolNumber)
	ProtoUDP  = uint8(gvh.UDPProtocolNumber)
)

const (
	IPv4FlagMoreFragments = gvh.IPv4FlagMoreFragments

	IPv4MinSize    = gvh.IPv4MinimumSize
	IPv4Version    = gvh.IPv4Version
	IPv4DefaultTTL = 64

	// IPv4MaxTotalLength — предел поля TotalLength.
	IPv4MaxTotalLength = 0xffff
)

// ParseIPv4 — проверить минимальную длину, версию и IHL.
// Вход: байты от начала сетевого заголовка. Выход: представление или ошибка.
func ParseIPv4(b []byte) (IPv4, error) {
	if len(b) < IPv4MinSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	if v := gvh.IPVersion(b); v != IPv4Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadVersion, v)
	}
	h := IPv4(b)
	ihl := int(h.HeaderLength())
	if ihl < IPv4MinSize || ihl > len(b) {
		return nil, fmt.Errorf("%w: %d", ErrBadIHL, ihl)
	}
	return h, nil
}

// Version — версия IP по первому байту, -1 для пустого среза.
func Version(b []byte) int { return gvh.IPVersion(b) }

// Addr — netip-адрес в адрес tcpip для полей заголовка.
func Addr(a netip.Addr) tcpip.Address { return tcpip.AddrFrom4(a.As4()) }

func SrcAddr(h IPv4) netip.Addr { return netip.AddrFrom4(h.SourceAddress().As4()) }
func DstAddr(h IPv4) netip.Addr { return netip.AddrFrom4(h.DestinationAddress().As4()) }

// IsFragment — MF взведён или смещение ненулевое.
func IsFragment(h IPv4) bool { return h.More() || h.FragmentOffset() != 0 }

// UpdateChecksum — пересчитать сумму заголовка.
func UpdateChecksum(h IPv4) {
	h.SetChecksum(0)
	h.SetChecksum(^h.CalculateChecksum())
}
