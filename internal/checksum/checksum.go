// Package checksum — интернет-контрольная сумма (RFC 1071) с накопленной
// частичной суммой, чтобы TCP/UDP складывали псевдозаголовок, заголовок
// и нагрузку по частям.
package checksum

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	gvsum "gvisor.dev/gvisor/pkg/tcpip/checksum"
	gvh "gvisor.dev/gvisor/pkg/tcpip/header"
)

// Sum — частичная сумма (без инверсии) buf поверх initial.
// initial должен быть посчитан по чётному числу байт.
func Sum(buf []byte, initial uint16) uint16 {
	return gvsum.Checksum(buf, initial)
}

// SumSlices — частичная сумма по нескольким срезам подряд; нечётные
// границы между срезами учитываются.
func SumSlices(initial uint16, bufs ...[]byte) uint16 {
	var c gvsum.Checksumer
	for _, b := range bufs {
		c.Add(b)
	}
	return gvsum.Combine(initial, c.Checksum())
}

// Combine — сложить две частичные суммы с переносом.
func Combine(a, b uint16) uint16 { return gvsum.Combine(a, b) }

// Checksum — итоговое значение поля контрольной суммы.
func Checksum(buf []byte, initial uint16) uint16 { return ^Sum(buf, initial) }

// Finish — инверсия частичной суммы в значение поля.
func Finish(sum uint16) uint16 { return ^sum }

// Verify — буфер с уже заполненным полем суммы сходится в ноль.
func Verify(buf []byte, initial uint16) bool { return Sum(buf, initial) == 0xffff }

// PseudoHeader — частичная сумма псевдозаголовка IPv4:
// src, dst, ноль, протокол, длина транспортного сегмента.
func PseudoHeader(proto uint8, src, dst [4]byte, length uint16) uint16 {
	return gvh.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(proto),
		tcpip.AddrFrom4(src), tcpip.AddrFrom4(dst), length)
}

// Put — записать значение в поле (network byte order).
func Put(b []byte, xsum uint16) { binary.BigEndian.PutUint16(b, xsum) }
