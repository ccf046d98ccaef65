package rpc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// listenBacklog — очередь listen(2) точки встречи.
const listenBacklog = 20

// Listen — неблокирующий SOCK_SEQPACKET сокет на path.
// Создаёт каталог и удаляет оставшийся от прошлого запуска файл.
// Выход: дескриптор, готовый к accept.
func Listen(path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return -1, fmt.Errorf("rpc: mkdir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return -1, fmt.Errorf("rpc: remove stale socket: %w", err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("rpc: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rpc: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rpc: listen %s: %w", path, err)
	}
	return fd, nil
}

// Accept — принять соединение (неблокирующее, CLOEXEC).
// Выход: unix.EAGAIN, если очередь пуста.
func Accept(lfd int) (int, error) {
	fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// readPacket — одна датаграмма в buf.
// Выход: io.EOF при закрытии другой стороной, ErrMessageTooLarge при
// MSG_TRUNC (вместе с прочитанным началом).
func readPacket(fd int, buf []byte) ([]byte, error) {
	n, _, flags, _, err := unix.Recvmsg(fd, buf, nil, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	if flags&unix.MSG_TRUNC != 0 || n > MaxMessageSize {
		return buf[:min(n, len(buf))], ErrMessageTooLarge
	}
	return buf[:n], nil
}

// Reader — чтение запросов с дескриптора соединения.
type Reader struct {
	fd  int
	buf []byte
}

// NewReader — Reader с собственным буфером на одну датаграмму.
func NewReader(fd int) *Reader {
	return &Reader{fd: fd, buf: make([]byte, MaxMessageSize+1)}
}

// ReadRequest — следующий запрос.
// Выход: unix.EAGAIN — данных нет; io.EOF — соединение закрыто.
// При ErrMessageTooLarge и ErrNoOp вместе с ошибкой возвращается
// запрос с одними Pid и Op, если вызов виден в начале сообщения.
func (r *Reader) ReadRequest() (*Request, error) {
	b, err := readPacket(r.fd, r.buf)
	if errors.Is(err, ErrMessageTooLarge) {
		return PeekCall(b), err
	}
	if err != nil {
		return nil, err
	}
	req := new(Request)
	if err := req.Unmarshal(b); err != nil {
		if errors.Is(err, ErrNoOp) {
			return PeekCall(b), err
		}
		return nil, err
	}
	return req, nil
}

// WriteResponse — ответ одной датаграммой.
func WriteResponse(fd int, resp *Response) error {
	b, err := resp.Marshal()
	if err != nil {
		return err
	}
	if _, err := unix.Write(fd, b); err != nil {
		return fmt.Errorf("rpc: write %s response: %w", resp.Op, err)
	}
	return nil
}
