package transport

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"tunstack/internal/header"
	"tunstack/internal/pkbuf"
)

func errMsgSize(n int) error {
	return fmt.Errorf("transport: %d byte payload: %w", n, unix.EMSGSIZE)
}

// udpSend — датаграмма подключённому концу.
func (p *Pcb) udpSend(payload []byte) (int, error) {
	p.mu.Lock()
	if err := p.bindLocked(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	if !p.connectedLocked() {
		p.mu.Unlock()
		return 0, unix.ENOTCONN
	}
	local, remote := p.local, p.remote
	p.mu.Unlock()
	return p.layer.transmitUDP(local, remote, payload)
}

// udpSendTo — датаграмма на remote. У подключённого блока адрес
// назначения подменяется только для этой датаграммы; состояние блока
// после отправки не меняется, кроме привязки порта.
func (p *Pcb) udpSendTo(remote netip.AddrPort, payload []byte) (int, error) {
	if !remote.Addr().Is4() || remote.Port() == 0 {
		return 0, unix.EDESTADDRREQ
	}
	p.mu.Lock()
	if err := p.bindLocked(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	local := p.local
	p.mu.Unlock()
	return p.layer.transmitUDP(local, remote, payload)
}

// udpInput — нагрузка с адресом отправителя в очередь сокета.
func (p *Pcb) udpInput(b *pkbuf.Buffer, peer netip.AddrPort) {
	r := p.receiver()
	if r == nil {
		b.Release()
		return
	}
	n := b.ChainPayloadLen()
	if !r.Deliver(peer, b) {
		p.layer.log.Debug("datagram not queued", "peer", peer, "len", n)
	}
}

// transmitUDP — заголовок, сумма и отправка.
func (l *Layer) transmitUDP(local, remote netip.AddrPort, payload []byte) (int, error) {
	b, err := segment(header.UDPSize, payload)
	if err != nil {
		return 0, err
	}
	uh := header.UDP(b.Transport())
	uh.Encode(&header.UDPFields{
		SrcPort: local.Port(),
		DstPort: remote.Port(),
		Length:  uint16(header.UDPSize + len(payload)),
	})
	uh.SetChecksum(header.UDPChecksum(finishChecksum(ProtoUDP, local.Addr(), remote.Addr(), b)))
	l.log.Debug("udp output", "local", local, "remote", remote, "len", len(payload))
	if err := l.net.Transmit(b, header.ProtoUDP, local.Addr(), remote.Addr()); err != nil {
		return 0, err
	}
	return len(payload), nil
}
