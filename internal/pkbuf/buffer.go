// Package pkbuf — носитель одного сетевого кадра и цепочки кадров.
//
// Buffer владеет фиксированным сырым регионом и пятью смещениями:
// начало сетевого заголовка, начало транспортного заголовка, конец области
// заголовков и пользовательская нагрузка [begin, end).
// Цепочка (Next) — это либо фрагменты, ждущие сборки, либо собранная
// датаграмма: голова с заголовками и узлы-продолжения только с нагрузкой.
package pkbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Capacity — размер сырого региона: 1500 MTU + 18 байт запаса под L2.
const Capacity = 1518

// ErrOffsets — нарушен порядок смещений.
var ErrOffsets = errors.New("pkbuf: offsets out of order")

// Buffer — один кадр.
// Потокобезопасность: счётчик ссылок атомарный, остальные поля
// принадлежат текущему владельцу (передача владения через очереди).
type Buffer struct {
	raw [Capacity]byte

	networkHdr   int
	transportHdr int
	hdrsEnd      int
	payloadBegin int
	payloadEnd   int

	// Next — следующий узел цепочки. Голова владеет хвостом.
	Next *Buffer

	refs atomic.Int32
}

var pool = sync.Pool{New: func() any { return new(Buffer) }}

// New — взять пустой буфер из пула со счётчиком ссылок 1.
func New() *Buffer {
	b := pool.Get().(*Buffer)
	b.reset()
	b.refs.Store(1)
	return b
}

// FromBytes — буфер с копией p в начале региона, все смещения
// заголовков в нуле, нагрузка [0, len(p)).
// Вход: байты кадра. Выход: буфер или ошибка, если кадр не влезает.
func FromBytes(p []byte) (*Buffer, error) {
	if len(p) > Capacity {
		return nil, fmt.Errorf("pkbuf: frame of %d bytes exceeds capacity %d", len(p), Capacity)
	}
	b := New()
	n := copy(b.raw[:], p)
	b.payloadEnd = n
	return b, nil
}

func (b *Buffer) reset() {
	b.networkHdr, b.transportHdr, b.hdrsEnd = 0, 0, 0
	b.payloadBegin, b.payloadEnd = 0, 0
	b.Next = nil
}

// Ref — ещё один владелец.
func (b *Buffer) Ref() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("pkbuf: Ref on released buffer")
	}
	return b
}

// Release — отпустить ссылку. Последний владелец возвращает в пул
// всю цепочку, которой владеет голова.
func (b *Buffer) Release() {
	for cur := b; cur != nil; {
		n := cur.refs.Add(-1)
		if n > 0 {
			return
		}
		if n < 0 {
			panic("pkbuf: Release of released buffer")
		}
		next := cur.Next
		cur.Next = nil
		pool.Put(cur)
		cur = next
	}
}

// Refs — текущее число владельцев (для тестов и логов).
func (b *Buffer) Refs() int { return int(b.refs.Load()) }

// Raw — весь сырой регион. Запись идёт напрямую, без копий.
func (b *Buffer) Raw() []byte { return b.raw[:] }

// SetOffsets — задать все пять смещений с проверкой инварианта
// 0 ≤ network ≤ transport ≤ hdrsEnd ≤ payloadBegin ≤ payloadEnd ≤ Capacity.
func (b *Buffer) SetOffsets(network, transport, hdrsEnd, payloadBegin, payloadEnd int) error {
	if network < 0 || network > transport || transport > hdrsEnd ||
		hdrsEnd > payloadBegin || payloadBegin > payloadEnd || payloadEnd > Capacity {
		return fmt.Errorf("%w: %d/%d/%d/%d/%d", ErrOffsets, network, transport, hdrsEnd, payloadBegin, payloadEnd)
	}
	b.networkHdr = network
	b.transportHdr = transport
	b.hdrsEnd = hdrsEnd
	b.payloadBegin = payloadBegin
	b.payloadEnd = payloadEnd
	return nil
}

// SetTransport — сдвинуть начало транспортного заголовка и конец области
// заголовков; нагрузка начинается сразу за заголовками.
func (b *Buffer) SetTransport(transport, hdrsEnd int) error {
	return b.SetOffsets(b.networkHdr, transport, hdrsEnd, hdrsEnd, b.payloadEnd)
}

// SetPayloadEnd — обрезать кадр (паддинг канального уровня и т.п.).
func (b *Buffer) SetPayloadEnd(end int) error {
	return b.SetOffsets(b.networkHdr, b.transportHdr, b.hdrsEnd, b.payloadBegin, end)
}

// MakeContinuation — превратить узел в чистое продолжение нагрузки:
// область заголовков пуста и начинается с off.
func (b *Buffer) MakeContinuation(off int) error {
	return b.SetOffsets(off, off, off, off, b.payloadEnd)
}

// IsContinuation — у узла нет своих заголовков.
func (b *Buffer) IsContinuation() bool {
	return b.networkHdr == b.hdrsEnd && b.networkHdr == b.payloadBegin && b.networkHdr > 0
}

func (b *Buffer) NetworkOffset() int   { return b.networkHdr }
func (b *Buffer) TransportOffset() int { return b.transportHdr }
func (b *Buffer) HeadersEnd() int      { return b.hdrsEnd }
func (b *Buffer) PayloadBegin() int    { return b.payloadBegin }
func (b *Buffer) PayloadEnd() int      { return b.payloadEnd }

// Network — сетевой заголовок и всё, что за ним, до конца кадра.
func (b *Buffer) Network() []byte { return b.raw[b.networkHdr:b.payloadEnd] }

// Transport — транспортный заголовок и всё, что за ним.
func (b *Buffer) Transport() []byte { return b.raw[b.transportHdr:b.payloadEnd] }

// Headers — область заголовков [network, hdrsEnd).
func (b *Buffer) Headers() []byte { return b.raw[b.networkHdr:b.hdrsEnd] }

// Payload — пользовательская нагрузка узла.
func (b *Buffer) Payload() []byte { return b.raw[b.payloadBegin:b.payloadEnd] }

// Frame — байты узла для передачи: заголовки и нагрузка.
// Если между ними есть зазор, возвращаются два среза.
func (b *Buffer) Frame() [][]byte {
	if b.hdrsEnd == b.payloadBegin {
		return [][]byte{b.raw[b.networkHdr:b.payloadEnd]}
	}
	return [][]byte{b.raw[b.networkHdr:b.hdrsEnd], b.raw[b.payloadBegin:b.payloadEnd]}
}

// Len — длина узла (заголовки + нагрузка).
func (b *Buffer) Len() int { return (b.hdrsEnd - b.networkHdr) + (b.payloadEnd - b.payloadBegin) }

// ChainPayloadLen — суммарная нагрузка цепочки.
func (b *Buffer) ChainPayloadLen() int {
	n := 0
	for cur := b; cur != nil; cur = cur.Next {
		n += cur.payloadEnd - cur.payloadBegin
	}
	return n
}

// AppendPayload — дописать нагрузку всей цепочки в dst.
func (b *Buffer) AppendPayload(dst []byte) []byte {
	for cur := b; cur != nil; cur = cur.Next {
		dst = append(dst, cur.raw[cur.payloadBegin:cur.payloadEnd]...)
	}
	return dst
}

// Consume — отбросить первые n байт нагрузки цепочки. Опустевшие узлы
// остаются в цепочке с пустой нагрузкой.
func (b *Buffer) Consume(n int) {
	for cur := b; cur != nil && n > 0; cur = cur.Next {
		k := cur.payloadEnd - cur.payloadBegin
		if k > n {
			k = n
		}
		cur.payloadBegin += k
		n -= k
	}
}

// Tail — последний узел цепочки.
func (b *Buffer) Tail() *Buffer {
	cur := b
	for cur.Next != nil {
		cur = cur.Next
	}
	return cur
}
