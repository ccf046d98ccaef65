// Package mux — диспетчер запросов шима: точка встречи, реестр
// управляющих каналов, обработка вызовов и отложенные ответы.
// Вся работа идёт в горутине цикла событий.
package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"tunstack/internal/reactor"
	"tunstack/internal/rpc"
	"tunstack/internal/socket"
	"tunstack/internal/transport"
)

// Значения по умолчанию для рукопожатия atstart.
const (
	DefaultFDStart = 4096
	DefaultFDCount = 1024
)

// ChannelID — дескриптор канала в реестре.
type ChannelID uint64

// Options — параметры диспетчера.
type Options struct {
	SocketPath string // путь точки встречи
	FDStart    int    // первый дескриптор диапазона шима
	FDCount    int    // размер диапазона
	QueueLimit int    // предел очереди приёма сокета
	Logger     *slog.Logger
}

// Mux — диспетчер.
type Mux struct {
	opts Options
	log  *slog.Logger
	loop *reactor.EventLoop
	tcp  *transport.Layer
	udp  *transport.Layer

	listenFD int
	listener *reactor.Channel

	channels map[ChannelID]*channel
	bySocket map[socket.ID]ChannelID
	waiters  map[socket.ID]waiter
	nextID   ChannelID
	nextSock socket.ID
}

// channel — одно соединение шима и его сокет.
type channel struct {
	id     ChannelID
	fd     int
	conn   *reactor.Channel
	reader *rpc.Reader

	refs     int
	progName string
	pids     []int32
	cloexec  bool

	sock   *socket.Socket
	notify *reactor.Channel
}

// New — открыть точку встречи и подготовить цикл событий.
// Вход: слои TCP и UDP, параметры. Выход: ошибка bind/listen фатальна для демона.
func New(tcp, udp *transport.Layer, opts Options) (*Mux, error) {
	if opts.FDStart <= 0 {
		opts.FDStart = DefaultFDStart
	}
	if opts.FDCount <= 0 {
		opts.FDCount = DefaultFDCount
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = socket.DefaultQueueLimit
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mux")

	loop, err := reactor.New(log)
	if err != nil {
		return nil, err
	}
	lfd, err := rpc.Listen(opts.SocketPath)
	if err != nil {
		loop.Close()
		return nil, err
	}
	m := &Mux{
		opts:     opts,
		log:      log,
		loop:     loop,
		tcp:      tcp,
		udp:      udp,
		listenFD: lfd,
		channels: make(map[ChannelID]*channel),
		bySocket: make(map[socket.ID]ChannelID),
		waiters:  make(map[socket.ID]waiter),
	}
	m.listener = reactor.NewChannel(lfd)
	m.listener.OnRead = m.accept
	err = m.listener.EnableReading()
	if err == nil {
		err = loop.Add(m.listener)
	}
	if err != nil {
		unix.Close(lfd)
		loop.Close()
		return nil, err
	}
	log.Info("listening", "path", opts.SocketPath)
	return m, nil
}

// Run — обслуживать шимы до отмены ctx.
func (m *Mux) Run(ctx context.Context) error { return m.loop.Run(ctx) }

// Post — выполнить f в горутине диспетчера.
func (m *Mux) Post(f func()) { m.loop.Post(f) }

// Close — разобрать все каналы, закрыть точку встречи и цикл.
// Вызывается после возврата Run.
func (m *Mux) Close() error {
	for _, ch := range m.channels {
		m.teardown(ch, "shutdown")
	}
	m.loop.Remove(m.listener)
	err := errors.Join(unix.Close(m.listenFD), m.loop.Close())
	if rerr := os.Remove(m.opts.SocketPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = errors.Join(err, rerr)
	}
	return err
}

// Len — живых каналов. Только из горутины диспетчера.
func (m *Mux) Len() int { return len(m.channels) }

// accept — принять все ожидающие соединения.
func (m *Mux) accept() {
	for {
		fd, err := rpc.Accept(m.listenFD)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			m.log.Warn("accept", "err", err)
			return
		}
		m.addChannel(fd)
	}
}

func (m *Mux) addChannel(fd int) {
	m.nextID++
	ch := &channel{
		id:     m.nextID,
		fd:     fd,
		conn:   reactor.NewChannel(fd),
		reader: rpc.NewReader(fd),
		refs:   1,
	}
	id := ch.id
	ch.conn.OnRead = func() { m.onRequest(id) }
	ch.conn.OnClose = func() { m.onHangup(id) }
	ch.conn.OnError = func() { m.onHangup(id) }
	err := ch.conn.EnableReading()
	if err == nil {
		err = m.loop.Add(ch.conn)
	}
	if err != nil {
		m.log.Warn("register channel", "err", err)
		unix.Close(fd)
		return
	}
	m.channels[id] = ch
	m.log.Info("channel opened", "channel", uint64(id))
}

func (m *Mux) onHangup(id ChannelID) {
	if ch, ok := m.channels[id]; ok {
		m.teardown(ch, "peer hung up")
	}
}

// onRequest — один запрос на одно событие готовности.
func (m *Mux) onRequest(id ChannelID) {
	ch, ok := m.channels[id]
	if !ok {
		return
	}
	req, err := ch.reader.ReadRequest()
	switch {
	case err == nil:
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case errors.Is(err, io.EOF):
		m.teardown(ch, "peer closed")
		return
	case errors.Is(err, rpc.ErrMessageTooLarge), errors.Is(err, rpc.ErrNoOp):
		if req == nil {
			m.log.Warn("bad request dropped", "channel", uint64(id), "err", err)
			return
		}
		// вызов известен: шим ждёт ответа на него
		errno := unix.EINVAL
		if errors.Is(err, rpc.ErrMessageTooLarge) {
			errno = unix.EMSGSIZE
		}
		m.log.Warn("bad request refused", "channel", uint64(id), "op", req.Op, "err", err)
		resp := &rpc.Response{Status: rpc.StatusOK, Op: req.Op, Result: rpc.Result{Ret: -1, Errno: int32(errno)}}
		if err := m.reply(ch, resp); err != nil {
			m.teardown(ch, "write error")
		}
		return
	default:
		m.log.Warn("read request", "channel", uint64(id), "err", err)
		m.teardown(ch, "read error")
		return
	}

	m.log.Debug("request", "channel", uint64(id), "pid", req.Pid, "op", req.Op)
	resp := m.handle(ch, req)
	if err := m.reply(ch, resp); err != nil {
		m.teardown(ch, "write error")
		return
	}
	if ch.refs <= 0 {
		m.teardown(ch, "closed")
	}
}

func (m *Mux) reply(ch *channel, resp *rpc.Response) error {
	if err := rpc.WriteResponse(ch.fd, resp); err != nil {
		m.log.Warn("reply", "channel", uint64(ch.id), "op", resp.Op, "err", err)
		return err
	}
	m.log.Debug("reply", "channel", uint64(ch.id), "op", resp.Op, "status", resp.Status, "ret", resp.Result.Ret)
	return nil
}

// teardown — убрать канал, сокет, блок и регистрации ровно один раз.
func (m *Mux) teardown(ch *channel, reason string) {
	if m.channels[ch.id] != ch {
		return
	}
	delete(m.channels, ch.id)
	if ch.sock != nil {
		id := ch.sock.ID()
		delete(m.waiters, id)
		delete(m.bySocket, id)
		if ch.notify != nil {
			m.loop.Remove(ch.notify)
		}
		ch.sock.Close()
	}
	m.loop.Remove(ch.conn)
	unix.Close(ch.fd)
	m.log.Info("channel closed", "channel", uint64(ch.id), "reason", reason, "prog", ch.progName)
}
