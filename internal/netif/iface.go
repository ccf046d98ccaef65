package netif

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"tunstack/internal/pkbuf"
)

// pollTimeout — шаг ожидания poll(), мс: столько максимум ждёт выход по ctx.
const pollTimeout = 200

// Sink — получатель принятых кадров (IP-уровень).
type Sink interface {
	Enqueue(b *pkbuf.Buffer) bool
}

// Stats — счётчики интерфейса.
type Stats struct {
	RxPackets, RxDropped uint64
	TxPackets, TxErrors  uint64
}

// Interface — виртуальный интерфейс поверх Device.
// Реализует ip.Link.
type Interface struct {
	dev     Device
	sink    Sink
	capture *Capture
	log     *slog.Logger

	rxPackets, rxDropped, txPackets, txErrors atomic.Uint64

	errLog rate.Sometimes
}

// New — интерфейс над dev. capture может быть nil.
func New(dev Device, capture *Capture, log *slog.Logger) *Interface {
	if log == nil {
		log = slog.Default()
	}
	return &Interface{
		dev:     dev,
		capture: capture,
		log:     log.With("component", "netif", "dev", dev.Name()),
		errLog:  rate.Sometimes{Interval: time.Second},
	}
}

// Attach — куда отдавать принятые кадры. До Run.
func (i *Interface) Attach(s Sink) { i.sink = s }

// Stats — снимок счётчиков.
func (i *Interface) Stats() Stats {
	return Stats{
		RxPackets: i.rxPackets.Load(),
		RxDropped: i.rxDropped.Load(),
		TxPackets: i.txPackets.Load(),
		TxErrors:  i.txErrors.Load(),
	}
}

// Run — цикл приёма: poll с шагом 200 мс, неблокирующее чтение
// до опустошения, кадр в Sink. Выход по отмене ctx.
func (i *Interface) Run(ctx context.Context) error {
	if i.sink == nil {
		return fmt.Errorf("netif: %s: no sink attached", i.dev.Name())
	}
	pfd := []unix.PollFd{{Fd: int32(i.dev.FD()), Events: unix.POLLIN}}
	i.log.Info("rx loop started")
	for {
		_, err := unix.Poll(pfd, pollTimeout)
		if ctx.Err() != nil {
			i.log.Info("rx loop stopped")
			return nil
		}
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("netif: poll: %w", err)
		}
		for {
			b := pkbuf.New()
			n, err := i.dev.ReadNB(b.Raw())
			if err != nil {
				b.Release()
				return fmt.Errorf("netif: read %s: %w", i.dev.Name(), err)
			}
			if n == 0 {
				b.Release()
				break
			}
			if err := b.SetPayloadEnd(n); err != nil {
				b.Release()
				continue
			}
			i.rxPackets.Add(1)
			i.trace("rx", b.Network())
			if i.capture != nil {
				i.captureFrame(b.Network())
			}
			if !i.sink.Enqueue(b) {
				i.rxDropped.Add(1)
			}
		}
	}
}

// Transmit — отправить цепочку одним writev (забирает владение).
func (i *Interface) Transmit(b *pkbuf.Buffer) error {
	defer b.Release()
	var iov [][]byte
	for cur := b; cur != nil; cur = cur.Next {
		for _, part := range cur.Frame() {
			if len(part) > 0 {
				iov = append(iov, part)
			}
		}
	}
	if len(iov) > 0 {
		i.trace("tx", iov[0])
	}
	if i.capture != nil {
		i.captureFrame(iov...)
	}
	if _, err := i.dev.Writev(iov); err != nil {
		i.txErrors.Add(1)
		i.errLog.Do(func() { i.log.Warn("writev failed", "err", err) })
		return fmt.Errorf("netif: writev %s: %w", i.dev.Name(), err)
	}
	i.txPackets.Add(1)
	return nil
}

func (i *Interface) captureFrame(parts ...[]byte) {
	if err := i.capture.Write(parts...); err != nil {
		i.errLog.Do(func() { i.log.Warn("capture write failed", "err", err) })
	}
}

// trace — разбор IPv4-заголовка для отладочного лога.
func (i *Interface) trace(dir string, hdr []byte) {
	if !i.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	h, err := ipv4.ParseHeader(hdr)
	if err != nil {
		i.log.Debug(dir, "len", len(hdr), "err", err)
		return
	}
	i.log.Debug(dir, "src", h.Src, "dst", h.Dst, "proto", h.Protocol, "len", h.TotalLen, "id", h.ID)
}
