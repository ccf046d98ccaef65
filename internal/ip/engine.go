// Package ip — сетевой уровень стека: очередь приёма, проверка
// заголовка, сборка фрагментов, разбор по протоколам и отправка.
package ip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"tunstack/internal/header"
	"tunstack/internal/pkbuf"
)

// DefaultRxQueue — предел очереди приёма.
const DefaultRxQueue = 2048

// MTU — наибольшая датаграмма, которую уровень отправляет одним кадром.
const MTU = 1500

// Link — куда уходят готовые датаграммы (виртуальный интерфейс).
type Link interface {
	Transmit(b *pkbuf.Buffer) error
}

// Protocol — обработчик транспортного протокола.
// HandlePacket забирает буфер во владение; смещение транспортного
// заголовка уже выставлено.
type Protocol interface {
	HandlePacket(b *pkbuf.Buffer)
}

// Options — параметры Engine.
type Options struct {
	Addr              netip.Addr    // адрес стека
	RxQueue           int           // предел очереди приёма
	ReassemblyTimeout time.Duration // время жизни незавершённой сборки
	VerifyChecksum    bool          // проверять сумму заголовка на приёме
	Logger            *slog.Logger
}

// Stats — счётчики уровня.
type Stats struct {
	Received    uint64
	Delivered   uint64
	Dropped     uint64
	Reassembled uint64
	Sent        uint64
}

// Engine — IP-уровень.
// Потокобезопасность: Enqueue и Transmit вызываются из любых горутин,
// Process/Run работают в одной горутине приёма.
type Engine struct {
	link   Link
	addr   netip.Addr
	verify bool
	log    *slog.Logger

	rxq    chan *pkbuf.Buffer
	defrag *Defragmenter
	ids    IDGenerator

	mu     sync.RWMutex
	protos map[uint8]Protocol

	received, delivered, dropped, reassembled, sent atomic.Uint64

	dropLog rate.Sometimes
}

// New — собрать IP-уровень.
// Вход: канальный уровень и параметры. Выход: *Engine.
func New(link Link, opts Options) *Engine {
	if opts.RxQueue <= 0 {
		opts.RxQueue = DefaultRxQueue
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ip")
	return &Engine{
		link:    link,
		addr:    opts.Addr,
		verify:  opts.VerifyChecksum,
		log:     log,
		rxq:     make(chan *pkbuf.Buffer, opts.RxQueue),
		defrag:  NewDefragmenter(opts.ReassemblyTimeout, log),
		protos:  make(map[uint8]Protocol),
		dropLog: rate.Sometimes{Interval: time.Second},
	}
}

// Register — подключить обработчик протокола.
func (e *Engine) Register(proto uint8, p Protocol) {
	e.mu.Lock()
	e.protos[proto] = p
	e.mu.Unlock()
}

// Addr — адрес стека.
func (e *Engine) Addr() netip.Addr { return e.addr }

// Defragmenter — сборщик фрагментов этого уровня.
func (e *Engine) Defragmenter() *Defragmenter { return e.defrag }

// Stats — снимок счётчиков.
func (e *Engine) Stats() Stats {
	return Stats{
		Received:    e.received.Load(),
		Delivered:   e.delivered.Load(),
		Dropped:     e.dropped.Load(),
		Reassembled: e.reassembled.Load(),
		Sent:        e.sent.Load(),
	}
}

// Enqueue — положить кадр в очередь приёма (забирает владение).
// Вход: кадр с сетевым заголовком в NetworkOffset. Выход: false, если кадр
// отброшен (не IPv4 или очередь полна).
func (e *Engine) Enqueue(b *pkbuf.Buffer) bool {
	if v := header.Version(b.Network()); v != header.IPv4Version {
		e.drop(b, "not ipv4", "version", v)
		return false
	}
	select {
	case e.rxq <- b:
		return true
	default:
		e.drop(b, "rx queue full", "limit", cap(e.rxq))
		return false
	}
}

// Run — цикл приёма до отмены ctx.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("rx loop started", "queue", cap(e.rxq))
	defer e.defrag.Close()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("rx loop stopped")
			return nil
		case b := <-e.rxq:
			e.Process(b)
		}
	}
}

// Process — обработать один кадр синхронно (забирает владение).
func (e *Engine) Process(b *pkbuf.Buffer) {
	e.received.Add(1)
	nh := b.NetworkOffset()
	h, err := header.ParseIPv4(b.Network())
	if err != nil {
		e.drop(b, "bad header", "err", err)
		return
	}
	ihl := int(h.HeaderLength())
	total := int(h.TotalLength())
	if total < ihl || total > len(h) {
		e.drop(b, "bad total length", "total", total, "frame", len(h))
		return
	}
	if e.verify && !h.IsChecksumValid() {
		e.drop(b, "bad header checksum", "src", header.SrcAddr(h), "id", h.ID())
		return
	}
	// паддинг канального уровня отрезается
	if err := b.SetOffsets(nh, nh+ihl, nh+ihl, nh+ihl, nh+total); err != nil {
		e.drop(b, "offsets", "err", err)
		return
	}
	e.log.Debug("datagram", "src", header.SrcAddr(h), "dst", header.DstAddr(h), "proto", h.Protocol(), "len", total)

	if header.IsFragment(h) {
		e.log.Debug("fragment", "id", h.ID(), "offset", h.FragmentOffset(), "mf", h.More())
		b = e.defrag.Defrag(b)
		if b == nil {
			return
		}
		e.reassembled.Add(1)
		h = header.IPv4(b.Network())
	}

	proto := h.Protocol()
	switch proto {
	case header.ProtoICMP, header.ProtoIGMP:
		e.drop(b, "protocol not handled", "proto", proto)
		return
	}
	e.mu.RLock()
	p := e.protos[proto]
	e.mu.RUnlock()
	if p == nil {
		e.drop(b, "unknown protocol", "proto", proto)
		return
	}
	e.delivered.Add(1)
	p.HandlePacket(b)
}

// Transmit — дописать IP-заголовок и отдать цепочку каналу.
// Вход: цепочка с местом под заголовок без опций в [NetworkOffset,
// TransportOffset), протокол, адреса. Выход: ошибка (EMSGSIZE, если
// датаграмма не влезает в один кадр). Владение забирается всегда.
func (e *Engine) Transmit(b *pkbuf.Buffer, proto uint8, src, dst netip.Addr) error {
	if b.TransportOffset()-b.NetworkOffset() != header.IPv4MinSize {
		b.Release()
		return fmt.Errorf("ip: transmit: header room %d", b.TransportOffset()-b.NetworkOffset())
	}
	total := 0
	for cur := b; cur != nil; cur = cur.Next {
		total += cur.Len()
	}
	if total > MTU {
		b.Release()
		return fmt.Errorf("ip: transmit %d bytes: %w", total, unix.EMSGSIZE)
	}
	h := header.IPv4(b.Headers())
	h.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		ID:          e.ids.Next(),
		TTL:         header.IPv4DefaultTTL,
		Protocol:    proto,
		SrcAddr:     header.Addr(src),
		DstAddr:     header.Addr(dst),
	})
	header.UpdateChecksum(h)
	if err := e.link.Transmit(b); err != nil {
		return fmt.Errorf("ip: transmit: %w", err)
	}
	e.sent.Add(1)
	return nil
}

// drop — отпустить буфер, посчитать и изредка сообщить.
func (e *Engine) drop(b *pkbuf.Buffer, reason string, args ...any) {
	b.Release()
	n := e.dropped.Add(1)
	e.log.Debug("drop "+reason, args...)
	e.dropLog.Do(func() {
		e.log.Info("dropping datagrams", "last_reason", reason, "total", n)
	})
}

// IDGenerator — 16-битный идентификатор датаграмм: 1, 2, …, 65535, 1, …
type IDGenerator struct {
	last atomic.Uint32
}

// Next — следующий идентификатор (0 никогда не выдаётся).
func (g *IDGenerator) Next() uint16 {
	for {
		old := g.last.Load()
		next := old + 1
		if next > 0xffff {
			next = 1
		}
		if g.last.CompareAndSwap(old, next) {
			return uint16(next)
		}
	}
}
