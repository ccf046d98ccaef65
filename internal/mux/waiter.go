package mux

import (
	"tunstack/internal/header"
	"tunstack/internal/rpc"
	"tunstack/internal/socket"
	"tunstack/internal/transport"
)

// waiter — отложенный вызов сокета, ответ на который ушёл как WAIT_NEXT.
// Одноразовый: снимается вместе с окончательным ответом.
type waiter struct {
	op          rpc.Op
	size        int
	requireAddr bool
}

// complete — попытаться завершить вызов сейчас. Сброс соединения
// собеседником завершает вызов с его errno.
// Выход: true, если res заполнен окончательным результатом.
func (w waiter) complete(sock *socket.Socket, res *rpc.Result) bool {
	switch w.op {
	case rpc.OpConnect:
		if err := sock.Failure(); err != 0 {
			fail(res, err)
			return true
		}
		return sock.IsEstablished()
	case rpc.OpRecvFrom:
		data, from, ok := sock.Recv(w.size)
		if !ok {
			if err := sock.Failure(); err != 0 {
				fail(res, err)
				return true
			}
			return false
		}
		res.Ret = int64(len(data))
		res.Buf = data
		if w.requireAddr && sock.Proto() == transport.ProtoUDP {
			res.Addr = header.EncodeSockaddrInet4(from)
		}
		return true
	}
	return false
}

// onNotify — pipe сокета стал читаемым: вычитать его и, если есть
// ожидающий, попробовать ответить.
func (m *Mux) onNotify(id socket.ID) {
	cid, ok := m.bySocket[id]
	if !ok {
		return
	}
	ch, ok := m.channels[cid]
	if !ok || ch.sock == nil {
		return
	}
	ch.sock.Drain()

	w, ok := m.waiters[id]
	if !ok {
		return
	}
	resp := &rpc.Response{Status: rpc.StatusOK, Op: w.op}
	if !w.complete(ch.sock, &resp.Result) {
		return
	}
	delete(m.waiters, id)
	m.log.Debug("deferred call resolved", "channel", uint64(cid), "socket", uint64(id), "op", w.op)
	if err := m.reply(ch, resp); err != nil {
		m.teardown(ch, "write error")
	}
}
