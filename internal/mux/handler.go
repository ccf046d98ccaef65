package mux

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"

	"tunstack/internal/header"
	"tunstack/internal/reactor"
	"tunstack/internal/rpc"
	"tunstack/internal/socket"
	"tunstack/internal/transport"
)

// handle — разобрать запрос и собрать ответ.
// Ответ WAIT_NEXT оставляет ожидающего; окончательный ответ придёт позже.
func (m *Mux) handle(ch *channel, req *rpc.Request) *rpc.Response {
	resp := &rpc.Response{Status: rpc.StatusOK, Op: req.Op}
	res := &resp.Result
	switch req.Op {
	case rpc.OpAtStart:
		ch.progName = req.Args.ProgName
		ch.pids = append(ch.pids, req.Pid)
		res.Start = int32(m.opts.FDStart)
		res.Count = int32(m.opts.FDCount)
	case rpc.OpAtFork:
		ch.refs++
		ch.pids = append(ch.pids, req.Pid)
	case rpc.OpClose:
		ch.refs--
	case rpc.OpSocket:
		m.socketCall(ch, req, res)
	case rpc.OpConnect:
		m.connectCall(ch, req, resp)
	case rpc.OpSendTo:
		m.sendtoCall(ch, req, res)
	case rpc.OpRecvFrom:
		m.recvfromCall(ch, req, resp)
	case rpc.OpGetPeerName:
		m.nameCall(ch, res, true)
	case rpc.OpGetSockName:
		m.nameCall(ch, res, false)
	default:
		// poll, select, getsockopt, setsockopt, fcntl, atexit
		fail(res, unix.ENOSYS)
	}
	return resp
}

// fail — ret -1 и errno.
func fail(res *rpc.Result, err error) {
	res.Ret = -1
	var errno unix.Errno
	if !errors.As(err, &errno) {
		errno = unix.EIO
	}
	res.Errno = int32(errno)
}

// needSocket — сокет канала или EBADF.
func needSocket(ch *channel, res *rpc.Result) *socket.Socket {
	if ch.sock == nil {
		fail(res, unix.EBADF)
	}
	return ch.sock
}

func (m *Mux) socketCall(ch *channel, req *rpc.Request, res *rpc.Result) {
	if ch.sock != nil {
		fail(res, unix.EMFILE)
		return
	}
	if req.Args.Domain != unix.AF_INET {
		fail(res, unix.EAFNOSUPPORT)
		return
	}
	typ := int(req.Args.Type)
	var layer *transport.Layer
	switch typ &^ (unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC) {
	case unix.SOCK_STREAM:
		layer = m.tcp
	case unix.SOCK_DGRAM:
		layer = m.udp
	default:
		fail(res, unix.EPROTONOSUPPORT)
		return
	}

	m.nextSock++
	sock, err := socket.New(m.nextSock, layer, m.opts.QueueLimit, m.log)
	if err != nil {
		m.log.Warn("socket", "err", err)
		fail(res, err)
		return
	}
	sock.SetNonblocking(typ&unix.SOCK_NONBLOCK != 0)
	ch.cloexec = typ&unix.SOCK_CLOEXEC != 0

	id := sock.ID()
	notify := reactor.NewChannel(sock.NotifyFD())
	notify.OnRead = func() { m.onNotify(id) }
	err = notify.EnableReading()
	if err == nil {
		err = m.loop.Add(notify)
	}
	if err != nil {
		sock.Close()
		fail(res, err)
		return
	}
	ch.sock, ch.notify = sock, notify
	m.bySocket[id] = ch.id
	m.log.Info("socket created", "channel", uint64(ch.id), "socket", uint64(id),
		"proto", sock.Proto(), "nonblock", sock.Nonblocking())
}

func (m *Mux) connectCall(ch *channel, req *rpc.Request, resp *rpc.Response) {
	res := &resp.Result
	sock := needSocket(ch, res)
	if sock == nil {
		return
	}
	remote, err := header.DecodeSockaddrInet4(req.Args.Addr)
	if err != nil {
		fail(res, unix.EAFNOSUPPORT)
		return
	}
	if err := sock.Pcb().Connect(remote); err != nil {
		fail(res, err)
		return
	}
	if sock.Proto() != transport.ProtoTCP || sock.IsEstablished() {
		return
	}
	if sock.Nonblocking() {
		fail(res, unix.EINPROGRESS)
		return
	}
	resp.Status = rpc.StatusWaitNext
	m.waiters[sock.ID()] = waiter{op: rpc.OpConnect}
}

func (m *Mux) sendtoCall(ch *channel, req *rpc.Request, res *rpc.Result) {
	sock := needSocket(ch, res)
	if sock == nil {
		return
	}
	buf := req.Args.Buf
	if len(buf) > rpc.MaxBufSize {
		fail(res, unix.EMSGSIZE)
		return
	}
	var (
		n   int
		err error
	)
	if sock.Proto() == transport.ProtoUDP && len(req.Args.Addr) > 0 {
		var remote netip.AddrPort
		if remote, err = header.DecodeSockaddrInet4(req.Args.Addr); err != nil {
			fail(res, unix.EAFNOSUPPORT)
			return
		}
		n, err = sock.Pcb().SendTo(remote, buf)
	} else {
		n, err = sock.Pcb().Send(buf)
	}
	if err != nil {
		fail(res, err)
		return
	}
	res.Ret = int64(n)
}

func (m *Mux) recvfromCall(ch *channel, req *rpc.Request, resp *rpc.Response) {
	res := &resp.Result
	sock := needSocket(ch, res)
	if sock == nil {
		return
	}
	w := waiter{op: rpc.OpRecvFrom, size: clampLen(req.Args.Len), requireAddr: req.Args.RequireAddr}
	if w.complete(sock, res) {
		return
	}
	if sock.Proto() == transport.ProtoTCP && !sock.Pcb().Connected() {
		fail(res, unix.ENOTCONN)
		return
	}
	if sock.Nonblocking() {
		fail(res, unix.EAGAIN)
		return
	}
	resp.Status = rpc.StatusWaitNext
	m.waiters[sock.ID()] = w
}

func clampLen(n int32) int {
	if n < 0 {
		return 0
	}
	return min(int(n), rpc.MaxBufSize)
}

// nameCall — getpeername (peer) или getsockname.
func (m *Mux) nameCall(ch *channel, res *rpc.Result, peer bool) {
	sock := needSocket(ch, res)
	if sock == nil {
		return
	}
	ap := sock.Pcb().Local()
	if peer {
		if !sock.Pcb().Connected() {
			fail(res, unix.ENOTCONN)
			return
		}
		ap = sock.Pcb().Remote()
	}
	res.Addr = header.EncodeSockaddrInet4(ap)
}
