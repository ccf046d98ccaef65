package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"tunstack/internal/header"
)

// DefaultDialTimeout — сколько Dial ждёт появления точки встречи.
const DefaultDialTimeout = 10 * time.Second

// Client — сторона шима: один сокет, одно соединение, запросы по очереди.
type Client struct {
	mu   sync.Mutex
	conn *net.UnixConn
	pid  int32
	buf  []byte
}

// Dial — подключиться к демону по path, повторяя попытки, пока сокет
// не появится или ctx не истечёт. Отказ доступа не повторяется.
func Dial(ctx context.Context, path string) (*Client, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}
	var conn *net.UnixConn
	op := func() error {
		c, err := net.DialUnix("unixpacket", nil, addr)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ECONNREFUSED) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = DefaultDialTimeout
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", path, err)
	}
	return &Client{conn: conn, pid: int32(os.Getpid()), buf: make([]byte, MaxMessageSize+1)}, nil
}

// Close — закрыть соединение без запроса close.
func (c *Client) Close() error { return c.conn.Close() }

// SetPid — pid, который уходит в запросах (после fork у потомка свой).
func (c *Client) SetPid(pid int32) {
	c.mu.Lock()
	c.pid = pid
	c.mu.Unlock()
}

// Send — отправить запрос и прочитать непосредственный ответ
// (возможно, WAIT_NEXT).
func (c *Client) Send(ctx context.Context, op Op, args Args) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := &Request{Pid: c.pid, Op: op, Args: args}
	b, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	c.applyDeadline(ctx)
	if _, err := c.conn.Write(b); err != nil {
		return nil, fmt.Errorf("rpc: send %s: %w", op, err)
	}
	return c.readLocked(op)
}

// Next — следующий ответ без запроса (после WAIT_NEXT).
func (c *Client) Next(ctx context.Context, op Op) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyDeadline(ctx)
	return c.readLocked(op)
}

func (c *Client) applyDeadline(ctx context.Context) {
	d, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(d)
}

func (c *Client) readLocked(op Op) (*Response, error) {
	n, _, flags, _, err := c.conn.ReadMsgUnix(c.buf, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: read %s: %w", op, err)
	}
	if flags&unix.MSG_TRUNC != 0 || n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	resp := new(Response)
	if err := resp.Unmarshal(c.buf[:n]); err != nil {
		return nil, err
	}
	if resp.Op != op {
		return nil, fmt.Errorf("rpc: %s response to %s request", resp.Op, op)
	}
	return resp, nil
}

// Call — вызов до окончательного результата: каждый WAIT_NEXT
// дожидается следующего сообщения, пока не придёт OK.
// Ret < 0 с errno превращается в unix.Errno.
func (c *Client) Call(ctx context.Context, op Op, args Args) (*Result, error) {
	resp, err := c.Send(ctx, op, args)
	for err == nil && resp.Status == StatusWaitNext {
		resp, err = c.Next(ctx, op)
	}
	if err != nil {
		return nil, err
	}
	if resp.Result.Ret < 0 && resp.Result.Errno != 0 {
		return &resp.Result, unix.Errno(resp.Result.Errno)
	}
	return &resp.Result, nil
}

// Socket — создать сокет демона, привязанный к этому соединению.
func (c *Client) Socket(ctx context.Context, typ int) error {
	_, err := c.Call(ctx, OpSocket, Args{Domain: unix.AF_INET, Type: int32(typ)})
	return err
}

// Connect — connect(2) на remote.
func (c *Client) Connect(ctx context.Context, remote netip.AddrPort) error {
	_, err := c.Call(ctx, OpConnect, Args{Addr: header.EncodeSockaddrInet4(remote)})
	return err
}

// SendTo — отправить p; remote нулевой — на подключённый адрес.
func (c *Client) SendTo(ctx context.Context, p []byte, remote netip.AddrPort) (int, error) {
	args := Args{Buf: p}
	if remote.IsValid() {
		args.Addr = header.EncodeSockaddrInet4(remote)
	}
	res, err := c.Call(ctx, OpSendTo, args)
	if err != nil {
		return 0, err
	}
	return int(res.Ret), nil
}

// RecvFrom — принять до size байт. Выход: данные и отправитель.
func (c *Client) RecvFrom(ctx context.Context, size int) ([]byte, netip.AddrPort, error) {
	res, err := c.Call(ctx, OpRecvFrom, Args{Len: int32(size), RequireAddr: true})
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	var from netip.AddrPort
	if len(res.Addr) > 0 {
		if from, err = header.DecodeSockaddrInet4(res.Addr); err != nil {
			return nil, netip.AddrPort{}, err
		}
	}
	return res.Buf, from, nil
}

// SockName — локальный адрес сокета.
func (c *Client) SockName(ctx context.Context) (netip.AddrPort, error) {
	return c.name(ctx, OpGetSockName)
}

// PeerName — удалённый адрес сокета.
func (c *Client) PeerName(ctx context.Context) (netip.AddrPort, error) {
	return c.name(ctx, OpGetPeerName)
}

func (c *Client) name(ctx context.Context, op Op) (netip.AddrPort, error) {
	res, err := c.Call(ctx, op, Args{})
	if err != nil {
		return netip.AddrPort{}, err
	}
	return header.DecodeSockaddrInet4(res.Addr)
}

// AtStart — рукопожатие процесса. Выход: первый дескриптор и размер диапазона.
func (c *Client) AtStart(ctx context.Context, progName string) (start, count int, err error) {
	res, err := c.Call(ctx, OpAtStart, Args{ProgName: progName})
	if err != nil {
		return 0, 0, err
	}
	return int(res.Start), int(res.Count), nil
}
