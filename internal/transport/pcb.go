// Package transport — TCP и UDP поверх IP-уровня: блоки управления
// соединением (Pcb), поиск по 4-кортежу, эфемерные порты.
package transport

import (
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"tunstack/internal/header"
	"tunstack/internal/pkbuf"
)

// Proto — вариант Pcb.
type Proto uint8

const (
	ProtoUDP Proto = iota + 1
	ProtoTCP
)

func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Number — номер протокола в IP-заголовке.
func (p Proto) Number() uint8 {
	if p == ProtoTCP {
		return header.ProtoTCP
	}
	return header.ProtoUDP
}

// Receiver — сторона сокета. Pcb держит её как наблюдателя, не владельца.
type Receiver interface {
	// Deliver — отдать нагрузку от peer (забирает буфер во владение).
	// false — получатель переполнен или закрыт, буфер уже отпущен.
	Deliver(peer netip.AddrPort, b *pkbuf.Buffer) bool
	// Established — TCP-соединение установлено. Вызывается ровно один раз.
	Established()
	// Failed — TCP-соединение сброшено собеседником (ECONNREFUSED в
	// SYN_SENT, ECONNRESET после установления).
	Failed(err unix.Errno)
}

// Pcb — блок управления одним концом соединения.
// Общие поля адресов плюс вариант tcb для TCP.
// Потокобезопасность: поля под mu (меняют горутина IP и реактор).
type Pcb struct {
	mu    sync.Mutex
	proto Proto
	layer *Layer
	seq   uint64 // порядок создания, для детерминированного выбора

	local  netip.AddrPort
	remote netip.AddrPort

	recv Receiver
	tcb  *tcb
}

// Proto — вариант блока.
func (p *Pcb) Proto() Proto { return p.proto }

// Local — локальный адрес:порт (порт 0 — не привязан).
func (p *Pcb) Local() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Remote — удалённый адрес:порт (невалидный, если не подключён).
func (p *Pcb) Remote() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Connected — задан ли удалённый конец.
func (p *Pcb) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedLocked()
}

func (p *Pcb) connectedLocked() bool { return p.remote.Port() != 0 }

// State — состояние TCP (для UDP всегда StateClosed).
func (p *Pcb) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tcb == nil {
		return StateClosed
	}
	return p.tcb.state
}

// Bind — занять эфемерный порт, если порт ещё не задан.
func (p *Pcb) Bind() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindLocked()
}

func (p *Pcb) bindLocked() error {
	if p.local.Port() != 0 {
		return nil
	}
	port, err := p.layer.ports.allocate()
	if err != nil {
		return err
	}
	p.local = netip.AddrPortFrom(p.local.Addr(), port)
	return nil
}

// Connect — задать удалённый конец. Для TCP сразу уходит SYN.
func (p *Pcb) Connect(remote netip.AddrPort) error {
	if !remote.Addr().Is4() || remote.Port() == 0 {
		return unix.EINVAL
	}
	switch p.proto {
	case ProtoTCP:
		return p.tcpConnect(remote)
	default:
		p.mu.Lock()
		defer p.mu.Unlock()
		p.remote = remote
		return p.bindLocked()
	}
}

// Disconnect — забыть удалённый конец (UDP). Для TCP закрытие
// соединения не поддерживается, блок просто остаётся как есть.
func (p *Pcb) Disconnect() {
	if p.proto == ProtoTCP {
		return
	}
	p.mu.Lock()
	p.remote = netip.AddrPort{}
	p.mu.Unlock()
}

// Send — отправить нагрузку подключённому концу.
// Выход: число принятых байт или errno (ENOTCONN, EMSGSIZE, …).
func (p *Pcb) Send(payload []byte) (int, error) {
	switch p.proto {
	case ProtoTCP:
		return p.tcpSend(payload)
	default:
		return p.udpSend(payload)
	}
}

// SendTo — отправить нагрузку на указанный адрес. UDP отправляет и с
// подключённого блока, не меняя его собеседника; TCP отвечает EISCONN
// или ENOTCONN.
func (p *Pcb) SendTo(remote netip.AddrPort, payload []byte) (int, error) {
	switch p.proto {
	case ProtoTCP:
		if p.Connected() {
			return 0, unix.EISCONN
		}
		return 0, unix.ENOTCONN
	default:
		return p.udpSendTo(remote, payload)
	}
}

// Close — убрать блок из таблицы слоя. Повторный вызов безвреден.
func (p *Pcb) Close() {
	if !p.layer.remove(p) {
		return
	}
	p.mu.Lock()
	p.recv = nil
	port := p.local.Port()
	p.mu.Unlock()
	if port != 0 {
		p.layer.ports.release(port)
	}
}

func (p *Pcb) receiver() Receiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recv
}

// Find — лучший блок для входящего сегмента.
// Локальный порт обязан совпасть; точное совпадение удалённого порта,
// удалённого и локального адресов даёт по очку, пустое поле — ноль,
// несовпадение заданного поля исключает блок. При равенстве очков
// побеждает созданный позже.
func Find(pcbs []*Pcb, peerAddr netip.Addr, peerPort uint16, localAddr netip.Addr, localPort uint16) *Pcb {
	var best *Pcb
	bestScore := -1
	for _, p := range pcbs {
		p.mu.Lock()
		local, remote := p.local, p.remote
		p.mu.Unlock()

		if local.Port() != localPort {
			continue
		}
		score := 1
		if remote.Port() != 0 {
			if remote.Port() != peerPort {
				continue
			}
			score++
		}
		m := addrMatch(remote.Addr(), peerAddr)
		if m < 0 {
			continue
		}
		score += m
		if m = addrMatch(local.Addr(), localAddr); m < 0 {
			continue
		}
		score += m

		if score > bestScore || (score == bestScore && p.seq > best.seq) {
			best, bestScore = p, score
		}
	}
	return best
}

// addrMatch — 1 точное совпадение, 0 пустой адрес блока, -1 чужой.
func addrMatch(ours, theirs netip.Addr) int {
	if !ours.IsValid() || ours.IsUnspecified() {
		return 0
	}
	if ours == theirs {
		return 1
	}
	return -1
}
