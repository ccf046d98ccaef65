// Package socket — мост между доставкой на уровне Pcb и вызовами
// клиента: ограниченная очередь приёма и уведомление через self-pipe.
package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"tunstack/internal/pkbuf"
	"tunstack/internal/transport"
)

// DefaultQueueLimit — предел очереди приёма в записях.
const DefaultQueueLimit = 128

// ErrClosed — сокет закрыт.
var ErrClosed = errors.New("socket: closed")

// ID — идентификатор сокета в пределах демона.
type ID uint64

// entry — одна запись очереди: отправитель и цепочка с нагрузкой.
type entry struct {
	peer netip.AddrPort
	b    *pkbuf.Buffer
}

// Socket — сокет с одним Pcb.
// Потокобезопасность: очередь под mu (пишет горутина IP, читает реактор);
// флаги атомарные.
type Socket struct {
	id    ID
	pcb   *transport.Pcb
	limit int
	log   *slog.Logger

	nonblock    atomic.Bool
	established atomic.Bool
	failure     atomic.Uint32 // unix.Errno сброса соединения, 0 — нет

	mu     sync.Mutex
	q      []entry
	closed bool

	// notify — неблокирующий pipe: байт на каждое событие.
	notifyR, notifyW int
}

// New — сокет и его Pcb в слое layer.
// Вход: id, слой протокола, предел очереди (0 → 128), логгер.
// Выход: *Socket или ошибка создания pipe.
func New(id ID, layer *transport.Layer, limit int, log *slog.Logger) (*Socket, error) {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if log == nil {
		log = slog.Default()
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("socket: pipe2: %w", err)
	}
	s := &Socket{
		id:      id,
		limit:   limit,
		log:     log.With("socket", uint64(id)),
		notifyR: fds[0],
		notifyW: fds[1],
	}
	s.pcb = layer.NewPcb(s)
	return s, nil
}

func (s *Socket) ID() ID                 { return s.id }
func (s *Socket) Pcb() *transport.Pcb    { return s.pcb }
func (s *Socket) Proto() transport.Proto { return s.pcb.Proto() }
func (s *Socket) NotifyFD() int          { return s.notifyR }
func (s *Socket) Nonblocking() bool      { return s.nonblock.Load() }
func (s *Socket) SetNonblocking(on bool) { s.nonblock.Store(on) }
func (s *Socket) IsEstablished() bool    { return s.established.Load() }

// Failure — ошибка, с которой соединение сбросил собеседник; 0 — не сброшено.
func (s *Socket) Failure() unix.Errno { return unix.Errno(s.failure.Load()) }

// Deliver — положить нагрузку в очередь (реализует transport.Receiver).
// Полная очередь или закрытый сокет: буфер отпускается, результат false.
func (s *Socket) Deliver(peer netip.AddrPort, b *pkbuf.Buffer) bool {
	s.mu.Lock()
	if s.closed || len(s.q) >= s.limit {
		full := !s.closed
		s.mu.Unlock()
		b.Release()
		if full {
			s.log.Debug("receive queue full", "limit", s.limit)
		}
		return false
	}
	s.q = append(s.q, entry{peer: peer, b: b})
	s.wakeLocked()
	s.mu.Unlock()
	return true
}

// Established — соединение установлено (реализует transport.Receiver).
func (s *Socket) Established() {
	if !s.established.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.wakeLocked()
	}
	s.mu.Unlock()
}

// Failed — соединение сброшено (реализует transport.Receiver).
// Запоминается первая причина; реактор будится, чтобы ответить ожидающему.
func (s *Socket) Failed(err unix.Errno) {
	if !s.failure.CompareAndSwap(0, uint32(err)) {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.wakeLocked()
	}
	s.mu.Unlock()
}

// wakeLocked — байт в pipe. EAGAIN значит, что реактор и так разбужен.
func (s *Socket) wakeLocked() {
	if _, err := unix.Write(s.notifyW, []byte{1}); err != nil && err != unix.EAGAIN {
		s.log.Warn("notify write", "err", err)
	}
}

// Drain — вычитать pipe до EAGAIN (вызывает реактор по готовности).
func (s *Socket) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.notifyR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Readable — в очереди есть данные.
func (s *Socket) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q) > 0
}

// Len — записей в очереди.
func (s *Socket) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q)
}

// Recv — забрать до size байт из головы очереди.
// Датаграмма (UDP) отдаётся целиком или обрезается, остаток теряется;
// у потока (TCP) остаток остаётся в голове очереди.
// Выход: данные, отправитель, false — очередь пуста.
func (s *Socket) Recv(size int) ([]byte, netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q) == 0 {
		return nil, netip.AddrPort{}, false
	}
	e := s.q[0]
	n := e.b.ChainPayloadLen()
	if size < 0 {
		size = 0
	}
	take := min(n, size)
	data := e.b.AppendPayload(make([]byte, 0, n))[:take]

	if s.pcb.Proto() == transport.ProtoTCP && take < n {
		e.b.Consume(take)
		return data, e.peer, true
	}
	s.q[0] = entry{}
	s.q = s.q[1:]
	e.b.Release()
	return data, e.peer, true
}

// Close — закрыть сокет: убрать Pcb, отпустить очередь, закрыть pipe.
// Повторный вызов возвращает ErrClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	q := s.q
	s.q = nil
	errR := unix.Close(s.notifyR)
	errW := unix.Close(s.notifyW)
	s.mu.Unlock()

	s.pcb.Close()
	for _, e := range q {
		e.b.Release()
	}
	s.log.Debug("socket closed", "dropped", len(q))
	return errors.Join(errR, errW)
}
