package transport

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tunstack/internal/checksum"
	"tunstack/internal/header"
	"tunstack/internal/pkbuf"
)

// Network — IP-уровень глазами транспорта.
type Network interface {
	Addr() netip.Addr
	Transmit(b *pkbuf.Buffer, proto uint8, src, dst netip.Addr) error
}

// Options — параметры слоя.
type Options struct {
	// VerifyChecksum — проверять сумму входящих сегментов.
	VerifyChecksum bool
	// ISS — генератор начального номера последовательности (TCP).
	// По умолчанию случайный.
	ISS    func() uint32
	Logger *slog.Logger
}

// Layer — таблица блоков одного протокола и его обработка.
// Реализует ip.Protocol.
// Потокобезопасность: таблица под RWMutex, блоки со своими мьютексами.
type Layer struct {
	proto  Proto
	net    Network
	verify bool
	iss    func() uint32
	log    *slog.Logger

	mu    sync.RWMutex
	pcbs  []*Pcb
	seq   atomic.Uint64
	ports *ports

	dropLog rate.Sometimes
}

// NewTCP — слой TCP.
func NewTCP(n Network, opts Options) *Layer { return newLayer(ProtoTCP, n, opts) }

// NewUDP — слой UDP.
func NewUDP(n Network, opts Options) *Layer { return newLayer(ProtoUDP, n, opts) }

func newLayer(proto Proto, n Network, opts Options) *Layer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	iss := opts.ISS
	if iss == nil {
		iss = randomISS
	}
	return &Layer{
		proto:   proto,
		net:     n,
		verify:  opts.VerifyChecksum,
		iss:     iss,
		log:     log.With("component", proto.String()),
		ports:   newPorts(),
		dropLog: rate.Sometimes{Interval: time.Second},
	}
}

func randomISS() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Proto — протокол слоя.
func (l *Layer) Proto() Proto { return l.proto }

// NewPcb — новый блок с локальным адресом стека, без порта.
// Вход: получатель (сокет-владелец). Выход: *Pcb, уже в таблице.
func (l *Layer) NewPcb(r Receiver) *Pcb {
	p := &Pcb{
		proto: l.proto,
		layer: l,
		seq:   l.seq.Add(1),
		local: netip.AddrPortFrom(l.net.Addr(), 0),
		recv:  r,
	}
	if l.proto == ProtoTCP {
		p.tcb = &tcb{state: StateClosed}
	}
	l.mu.Lock()
	l.pcbs = append(l.pcbs, p)
	l.mu.Unlock()
	l.log.Debug("pcb created", "seq", p.seq)
	return p
}

func (l *Layer) remove(p *Pcb) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.Index(l.pcbs, p)
	if i < 0 {
		return false
	}
	l.pcbs = slices.Delete(l.pcbs, i, i+1)
	l.log.Debug("pcb removed", "seq", p.seq)
	return true
}

// Len — число блоков в таблице.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pcbs)
}

// Lookup — Find по таблице слоя.
func (l *Layer) Lookup(peer, local netip.AddrPort) *Pcb {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Find(l.pcbs, peer.Addr(), peer.Port(), local.Addr(), local.Port())
}

// HandlePacket — входящий сегмент от IP-уровня (забирает владение).
func (l *Layer) HandlePacket(b *pkbuf.Buffer) {
	iph := header.IPv4(b.Network())
	src, dst := header.SrcAddr(iph), header.DstAddr(iph)
	seglen := b.ChainPayloadLen()

	if l.verify && !l.checksumOK(b, iph, seglen) {
		l.drop(b, "bad checksum", "src", src)
		return
	}

	var (
		sport, dport uint16
		hdrLen       int
	)
	switch l.proto {
	case ProtoTCP:
		th, err := header.ParseTCP(b.Transport())
		if err != nil {
			l.drop(b, "bad header", "err", err)
			return
		}
		sport, dport, hdrLen = th.SourcePort(), th.DestinationPort(), int(th.DataOffset())
	default:
		uh, err := header.ParseUDP(b.Transport())
		if err != nil {
			l.drop(b, "bad header", "err", err)
			return
		}
		length := int(uh.Length())
		if length > seglen {
			l.drop(b, "udp length beyond datagram", "length", length, "have", seglen)
			return
		}
		sport, dport, hdrLen = uh.SourcePort(), uh.DestinationPort(), header.UDPSize
		// хвост за полем Length отрезать
		trimChain(b, length)
	}
	t := b.TransportOffset()
	if err := b.SetTransport(t, t+hdrLen); err != nil {
		l.drop(b, "offsets", "err", err)
		return
	}

	peer := netip.AddrPortFrom(src, sport)
	p := l.Lookup(peer, netip.AddrPortFrom(dst, dport))
	if p == nil {
		l.drop(b, "no pcb", "peer", peer, "port", dport)
		return
	}
	switch p.proto {
	case ProtoTCP:
		p.tcpInput(b, peer)
	default:
		p.udpInput(b, peer)
	}
}

// checksumOK — сумма псевдозаголовка и всего сегмента по цепочке.
func (l *Layer) checksumOK(b *pkbuf.Buffer, iph header.IPv4, seglen int) bool {
	if l.proto == ProtoUDP {
		if uh, err := header.ParseUDP(b.Transport()); err == nil && uh.Checksum() == 0 {
			return true // отправитель суммы не считал
		}
	}
	bufs := make([][]byte, 0, 4)
	for cur := b; cur != nil; cur = cur.Next {
		if cur == b {
			bufs = append(bufs, b.Transport())
		} else {
			bufs = append(bufs, cur.Payload())
		}
	}
	ph := checksum.PseudoHeader(l.proto.Number(), iph.SourceAddress().As4(), iph.DestinationAddress().As4(), uint16(seglen))
	return checksum.SumSlices(ph, bufs...) == 0xffff
}

// trimChain — оставить в цепочке n байт нагрузки.
func trimChain(b *pkbuf.Buffer, n int) {
	for cur := b; cur != nil; cur = cur.Next {
		k := cur.PayloadEnd() - cur.PayloadBegin()
		if k > n {
			_ = cur.SetPayloadEnd(cur.PayloadBegin() + n)
			k = n
		}
		n -= k
	}
}

// segment — буфер с местом под IP-заголовок, заголовком транспорта
// длиной hdrLen и копией payload.
func segment(hdrLen int, payload []byte) (*pkbuf.Buffer, error) {
	hdrsEnd := header.IPv4MinSize + hdrLen
	end := hdrsEnd + len(payload)
	if end > pkbuf.Capacity {
		return nil, errMsgSize(len(payload))
	}
	b := pkbuf.New()
	if err := b.SetOffsets(0, header.IPv4MinSize, hdrsEnd, hdrsEnd, end); err != nil {
		b.Release()
		return nil, err
	}
	copy(b.Payload(), payload)
	return b, nil
}

// finishChecksum — сумма по псевдозаголовку, заголовку и нагрузке.
func finishChecksum(proto Proto, src, dst netip.Addr, b *pkbuf.Buffer) uint16 {
	seg := b.Transport()
	ph := checksum.PseudoHeader(proto.Number(), src.As4(), dst.As4(), uint16(len(seg)))
	return checksum.Finish(checksum.SumSlices(ph, seg))
}

func (l *Layer) drop(b *pkbuf.Buffer, reason string, args ...any) {
	b.Release()
	l.log.Debug("drop "+reason, args...)
	l.dropLog.Do(func() { l.log.Info("dropping segments", "last_reason", reason) })
}
