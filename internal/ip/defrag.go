package ip

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"tunstack/internal/header"
	"tunstack/internal/pkbuf"
)

// DefaultReassemblyTimeout — время жизни незавершённой сборки (RFC 1122).
const DefaultReassemblyTimeout = 60 * time.Second

// FragmentKey — какие фрагменты относятся к одной датаграмме.
type FragmentKey struct {
	ID       uint16
	Protocol uint8
	Src, Dst [4]byte
}

func (k FragmentKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("id", int(k.ID)),
		slog.Int("proto", int(k.Protocol)),
		slog.String("src", netip.AddrFrom4(k.Src).String()),
		slog.String("dst", netip.AddrFrom4(k.Dst).String()),
	)
}

// keyOf — ключ сборки из заголовка фрагмента.
func keyOf(h header.IPv4) FragmentKey {
	return FragmentKey{
		ID:       h.ID(),
		Protocol: h.Protocol(),
		Src:      h.SourceAddress().As4(),
		Dst:      h.DestinationAddress().As4(),
	}
}

// defragContext — одна незавершённая сборка.
// first — цепочка фрагментов по возрастанию смещения.
type defragContext struct {
	key   FragmentKey
	first *pkbuf.Buffer
	timer *time.Timer
}

// Defragmenter — сборка IPv4-датаграмм из фрагментов.
// Потокобезопасность: карта контекстов и остановка таймеров под mu;
// колбэк таймера удаляет только «свой» контекст.
type Defragmenter struct {
	mu      sync.Mutex
	ctxs    map[FragmentKey]*defragContext
	timeout time.Duration
	log     *slog.Logger
}

// NewDefragmenter — пустой сборщик.
// Вход: таймаут сборки (0 → 60 с), логгер. Выход: *Defragmenter.
func NewDefragmenter(timeout time.Duration, log *slog.Logger) *Defragmenter {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Defragmenter{
		ctxs:    make(map[FragmentKey]*defragContext),
		timeout: timeout,
		log:     log,
	}
}

// Defrag — принять фрагмент во владение.
// Вход: фрагмент с выставленными смещениями (network, payloadEnd = total length).
// Выход: собранная цепочка (голова с заголовками, дальше продолжения)
// или nil, если датаграмма ещё не готова.
func (d *Defragmenter) Defrag(b *pkbuf.Buffer) *pkbuf.Buffer {
	h := header.IPv4(b.Network())
	key := keyOf(h)
	off := int(h.FragmentOffset())
	end := int(h.HeaderLength()) + off + int(h.PayloadLength())

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, ok := d.ctxs[key]
	if !ok {
		ctx = &defragContext{key: key}
		ctx.timer = time.AfterFunc(d.timeout, func() { d.expire(ctx) })
		d.ctxs[key] = ctx
		d.log.Debug("defrag context opened", "key", key)
	}
	if end > header.IPv4MaxTotalLength {
		b.Release()
		d.discard(ctx, "fragment beyond 64 KiB", "offset", off, "end", end)
		return nil
	}

	// вставка по возрастанию смещения
	b.Next = nil
	var prev *pkbuf.Buffer
	cur := ctx.first
	for cur != nil && fragOffset(cur) < off {
		prev, cur = cur, cur.Next
	}
	if cur != nil && fragOffset(cur) == off {
		d.log.Debug("duplicate fragment dropped", "key", key, "offset", off)
		b.Release()
		return nil
	}
	b.Next = cur
	if prev == nil {
		ctx.first = b
	} else {
		prev.Next = b
	}

	// все ли на месте: смещения непрерывны, у последнего MF сброшен
	expected := 0
	var last *pkbuf.Buffer
	for cur := ctx.first; cur != nil; cur = cur.Next {
		fh := header.IPv4(cur.Network())
		if int(fh.FragmentOffset()) != expected {
			return nil
		}
		expected += int(fh.PayloadLength())
		last = cur
	}
	if header.IPv4(last.Network()).More() {
		return nil
	}

	head := ctx.first
	hh := header.IPv4(head.Network())
	total := int(hh.HeaderLength()) + expected
	if total > header.IPv4MaxTotalLength {
		d.discard(ctx, "reassembled datagram beyond 64 KiB", "total", total)
		return nil
	}
	hh.SetTotalLength(uint16(total))
	hh.SetFlagsFragmentOffset(0, 0)
	header.UpdateChecksum(hh)
	for cur := head.Next; cur != nil; cur = cur.Next {
		ihl := int(header.IPv4(cur.Network()).HeaderLength())
		if err := cur.MakeContinuation(cur.NetworkOffset() + ihl); err != nil {
			// смещения выставлены при разборе, сюда не попасть
			panic(err)
		}
	}

	ctx.timer.Stop()
	delete(d.ctxs, key)
	ctx.first = nil
	d.log.Debug("datagram reassembled", "key", key, "payload", expected)
	return head
}

// discard — закрыть контекст и отпустить его цепочку. Вызывается под mu.
func (d *Defragmenter) discard(ctx *defragContext, reason string, args ...any) {
	ctx.timer.Stop()
	delete(d.ctxs, ctx.key)
	if ctx.first != nil {
		ctx.first.Release()
		ctx.first = nil
	}
	d.log.Warn("reassembly dropped: "+reason, append([]any{"key", ctx.key}, args...)...)
}

// expire — колбэк таймера: выкинуть контекст, если он всё ещё в карте.
func (d *Defragmenter) expire(ctx *defragContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctxs[ctx.key] != ctx {
		return
	}
	delete(d.ctxs, ctx.key)
	if ctx.first != nil {
		ctx.first.Release()
		ctx.first = nil
	}
	d.log.Info("reassembly timed out", "key", ctx.key)
}

// Pending — число незавершённых сборок.
func (d *Defragmenter) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ctxs)
}

// Has — есть ли открытая сборка с ключом.
func (d *Defragmenter) Has(key FragmentKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ctxs[key]
	return ok
}

// Close — остановить таймеры и отпустить все незавершённые цепочки.
func (d *Defragmenter) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, ctx := range d.ctxs {
		ctx.timer.Stop()
		if ctx.first != nil {
			ctx.first.Release()
		}
		delete(d.ctxs, key)
	}
}

func fragOffset(b *pkbuf.Buffer) int { return int(header.IPv4(b.Network()).FragmentOffset()) }
