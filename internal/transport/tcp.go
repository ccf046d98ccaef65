package transport

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"tunstack/internal/header"
	"tunstack/internal/pkbuf"
)

// Window — окно приёма, которое объявляет стек.
const Window = 4096

// State — состояние TCP-соединения. Моделируется только сторона клиента.
type State int

const (
	StateClosed State = iota
	StateSynSent
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// tcb — переменные TCP (RFC 793, 3.2).
type tcb struct {
	state State

	sndUna uint32 // SND.UNA
	sndNxt uint32 // SND.NXT
	sndWnd uint16 // SND.WND — окно, объявленное собеседником
	iss    uint32

	irs    uint32
	rcvNxt uint32

	notified bool
	failure  unix.Errno // почему соединение закрылось по RST
}

// SeqState — снимок переменных последовательности (для логов и тестов).
type SeqState struct {
	State          State
	SndUna, SndNxt uint32
	SndWnd         uint16
	ISS, IRS       uint32
	RcvNxt         uint32
}

// Seq — снимок tcb; для UDP нулевой.
func (p *Pcb) Seq() SeqState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tcb == nil {
		return SeqState{}
	}
	t := p.tcb
	return SeqState{
		State:  t.state,
		SndUna: t.sndUna,
		SndNxt: t.sndNxt,
		SndWnd: t.sndWnd,
		ISS:    t.iss,
		IRS:    t.irs,
		RcvNxt: t.rcvNxt,
	}
}

// tcpConnect — CLOSED: привязать порт, запомнить собеседника, послать SYN.
func (p *Pcb) tcpConnect(remote netip.AddrPort) error {
	p.mu.Lock()
	switch p.tcb.state {
	case StateClosed:
		if err := p.tcb.failure; err != 0 {
			p.mu.Unlock()
			return err
		}
	case StateSynSent:
		p.mu.Unlock()
		return unix.EALREADY
	default:
		p.mu.Unlock()
		return unix.EISCONN
	}
	p.remote = remote
	if err := p.bindLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	_, err := p.tcpSend(nil)
	return err
}

// tcpSend — сегмент по текущему состоянию.
// CLOSED: SYN и переход в SYN_SENT. ESTABLISHED: данные с ACK.
// Прочие состояния: ничего не отправляется, результат 0.
func (p *Pcb) tcpSend(payload []byte) (int, error) {
	p.mu.Lock()
	if !p.connectedLocked() {
		p.mu.Unlock()
		return 0, unix.ENOTCONN
	}
	if err := p.bindLocked(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	t := p.tcb
	f := header.TCPFields{
		SrcPort:    p.local.Port(),
		DstPort:    p.remote.Port(),
		DataOffset: header.TCPMinSize,
		WindowSize: Window,
	}
	switch t.state {
	case StateClosed:
		if err := t.failure; err != 0 {
			p.mu.Unlock()
			return 0, err
		}
		t.iss = p.layer.iss()
		t.sndUna, t.sndNxt = t.iss, t.iss
		f.SeqNum = t.sndNxt
		t.sndNxt++
		f.Flags = header.TCPFlagSyn
		t.state = StateSynSent
		payload = nil
	case StateEstablished:
		f.SeqNum = t.sndNxt
		t.sndNxt += uint32(len(payload))
		f.Flags = header.TCPFlagAck
		if len(payload) > 0 {
			f.Flags |= header.TCPFlagPsh
		}
		f.AckNum = t.rcvNxt
	default:
		p.mu.Unlock()
		return 0, nil
	}
	local, remote := p.local, p.remote
	p.mu.Unlock()

	p.layer.log.Debug("tcp output", "local", local, "remote", remote,
		"flags", f.Flags, "seq", f.SeqNum, "ack", f.AckNum, "len", len(payload))
	if err := p.layer.transmitTCP(local, remote, &f, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// ack — пустой сегмент с ACK на rcvNxt. Вызывается без p.mu.
func (p *Pcb) ack(local, remote netip.AddrPort, seq, ack uint32) {
	f := header.TCPFields{
		SrcPort:    local.Port(),
		DstPort:    remote.Port(),
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinSize,
		Flags:      header.TCPFlagAck,
		WindowSize: Window,
	}
	if err := p.layer.transmitTCP(local, remote, &f, nil); err != nil {
		p.layer.log.Warn("ack not sent", "remote", remote, "err", err)
	}
}

// tcpInput — сегмент, найденный по 4-кортежу (забирает владение).
func (p *Pcb) tcpInput(b *pkbuf.Buffer, peer netip.AddrPort) {
	th := header.TCP(b.Transport())
	flags, seq, ackNum, wnd := th.Flags(), th.SequenceNumber(), th.AckNumber(), th.WindowSize()
	n := b.ChainPayloadLen()
	log := p.layer.log

	p.mu.Lock()
	t := p.tcb
	local, remote := p.local, p.remote
	switch t.state {
	case StateSynSent:
		// RFC 793: в SYN_SENT годится только ACK ровно на SND.NXT
		if flags.Contains(header.TCPFlagAck) && ackNum != t.sndNxt {
			want := t.sndNxt
			p.mu.Unlock()
			log.Info("unacceptable ack in SYN_SENT", "peer", peer, "ack", ackNum, "snd_nxt", want)
			b.Release()
			return
		}
		if flags.Contains(header.TCPFlagRst) {
			if !flags.Contains(header.TCPFlagAck) {
				p.mu.Unlock()
				log.Debug("rst without ack in SYN_SENT ignored", "peer", peer)
				b.Release()
				return
			}
			p.resetLocked(unix.ECONNREFUSED)
			r := p.recv
			p.mu.Unlock()
			b.Release()
			log.Info("connection refused", "local", local, "remote", remote)
			if r != nil {
				r.Failed(unix.ECONNREFUSED)
			}
			return
		}
		if !flags.Contains(header.TCPFlagSyn | header.TCPFlagAck) {
			p.mu.Unlock()
			log.Info("unexpected segment in SYN_SENT", "peer", peer, "flags", flags)
			b.Release()
			return
		}
		t.irs = seq
		t.rcvNxt = seq + 1
		t.sndUna = ackNum
		t.sndWnd = wnd
		t.state = StateEstablished
		notify := !t.notified
		t.notified = true
		sndNxt, rcvNxt := t.sndNxt, t.rcvNxt
		r := p.recv
		p.mu.Unlock()
		b.Release()

		log.Info("connection established", "local", local, "remote", remote)
		p.ack(local, remote, sndNxt, rcvNxt)
		if notify && r != nil {
			r.Established()
		}

	case StateEstablished:
		if flags.Contains(header.TCPFlagRst) {
			if seq != t.rcvNxt {
				want := t.rcvNxt
				p.mu.Unlock()
				log.Debug("rst out of window ignored", "peer", peer, "seq", seq, "rcv_nxt", want)
				b.Release()
				return
			}
			p.resetLocked(unix.ECONNRESET)
			r := p.recv
			p.mu.Unlock()
			b.Release()
			log.Info("connection reset", "local", local, "remote", remote)
			if r != nil {
				r.Failed(unix.ECONNRESET)
			}
			return
		}
		if flags.Contains(header.TCPFlagAck) {
			if ackNum > t.sndUna {
				t.sndUna = ackNum
			}
			t.sndWnd = wnd
		}
		if n == 0 {
			p.mu.Unlock()
			b.Release()
			return
		}
		if seq != t.rcvNxt {
			want := t.rcvNxt
			p.mu.Unlock()
			log.Warn("out-of-order segment dropped", "peer", peer, "seq", seq, "rcv_nxt", want, "len", n)
			b.Release()
			return
		}
		r := p.recv
		p.mu.Unlock()

		// не принятое сокетом не подтверждается: собеседник повторит
		queued := false
		if r != nil {
			queued = r.Deliver(peer, b)
		} else {
			b.Release()
		}
		p.mu.Lock()
		if queued {
			t.rcvNxt += uint32(n)
		} else {
			log.Debug("segment not queued", "peer", peer, "len", n)
		}
		sndNxt, rcvNxt := t.sndNxt, t.rcvNxt
		p.mu.Unlock()
		p.ack(local, remote, sndNxt, rcvNxt)

	default:
		state := t.state
		p.mu.Unlock()
		log.Debug("segment in state without input handling", "state", state, "peer", peer)
		b.Release()
	}
}

// resetLocked — соединение сброшено собеседником: CLOSED с причиной,
// которую дальше возвращают Connect и Send. Вызывается под p.mu.
func (p *Pcb) resetLocked(err unix.Errno) {
	p.tcb.state = StateClosed
	p.tcb.failure = err
}

// transmitTCP — собрать сегмент, посчитать сумму и отдать IP-уровню.
func (l *Layer) transmitTCP(local, remote netip.AddrPort, f *header.TCPFields, payload []byte) error {
	b, err := segment(header.TCPMinSize, payload)
	if err != nil {
		return err
	}
	th := header.TCP(b.Transport())
	th.Encode(f)
	th.SetChecksum(finishChecksum(ProtoTCP, local.Addr(), remote.Addr(), b))
	return l.net.Transmit(b, header.ProtoTCP, local.Addr(), remote.Addr())
}
