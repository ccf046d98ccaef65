package rpc

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"

	"tunstack/internal/header"
)

func TestRequestWireLayout(t *testing.T) {
	req := Request{Pid: 42, Op: OpRecvFrom, Args: Args{Len: 512, RequireAddr: true}}
	b, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	// ожидаемая раскладка, собранная вручную
	var inner []byte
	inner = protowire.AppendTag(inner, 7, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 512)
	inner = protowire.AppendTag(inner, 8, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 1)
	var want []byte
	want = protowire.AppendTag(want, 1, protowire.VarintType)
	want = protowire.AppendVarint(want, 42)
	want = protowire.AppendTag(want, 6, protowire.BytesType)
	want = protowire.AppendBytes(want, inner)
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("wire bytes (-want +got):\n%s", diff)
	}

	var got Request
	if err := got.Unmarshal(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("decoded request (-want +got):\n%s", diff)
	}
}

func TestResponseNegativeRet(t *testing.T) {
	resp := Response{Status: StatusOK, Op: OpConnect, Result: Result{Ret: -1, Errno: int32(unix.EINPROGRESS)}}
	b, err := resp.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var got Response
	if err := got.Unmarshal(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, got); diff != "" {
		t.Errorf("decoded response (-want +got):\n%s", diff)
	}
	// zigzag: -1 занимает один байт
	if len(b) > 10 {
		t.Errorf("encoded response is %d bytes, want compact zigzag", len(b))
	}
}

func TestUnmarshalSkipsUnknownAndLastCallWins(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = protowire.AppendTag(b, protowire.Number(OpSocket), protowire.BytesType)
	b = protowire.AppendBytes(b, nil)
	inner := protowire.AppendTag(nil, 9, protowire.BytesType)
	inner = protowire.AppendString(inner, "curl")
	b = protowire.AppendTag(b, protowire.Number(OpAtStart), protowire.BytesType)
	b = protowire.AppendBytes(b, inner)

	var got Request
	if err := got.Unmarshal(b); err != nil {
		t.Fatal(err)
	}
	want := Request{Op: OpAtStart, Args: Args{ProgName: "curl"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded request (-want +got):\n%s", diff)
	}
}

func TestMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"marshal without op", func() error {
			_, err := (&Request{Pid: 1}).Marshal()
			return err
		}, ErrNoOp},
		{"truncated varint", func() error { return new(Request).Unmarshal([]byte{0x08}) }, nil},
		{"oversized buf", func() error {
			_, err := (&Request{Op: OpSendTo, Args: Args{Buf: make([]byte, MaxMessageSize)}}).Marshal()
			return err
		}, ErrMessageTooLarge},
		{"oversized input", func() error { return new(Response).Unmarshal(make([]byte, MaxMessageSize+1)) }, ErrMessageTooLarge},
		{"empty response", func() error { return new(Response).Unmarshal(nil) }, ErrNoOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if tt.want == nil {
				if err == nil {
					t.Error("want an error")
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPeekCall(t *testing.T) {
	pid := protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 9)
	full, err := (&Request{Pid: 9, Op: OpSendTo, Args: Args{Buf: []byte("payload")}}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name string
		msg  []byte
		want *Request
	}{
		{"truncated sendto", full[:len(full)-3], &Request{Pid: 9, Op: OpSendTo}},
		{"call as varint", protowire.AppendVarint(protowire.AppendTag(pid, 3, protowire.VarintType), 1), &Request{Pid: 9, Op: OpConnect}},
		{"pid only", pid, nil},
		{"unknown field then call", protowire.AppendBytes(protowire.AppendTag(
			protowire.AppendVarint(protowire.AppendTag(nil, 20, protowire.VarintType), 5),
			6, protowire.BytesType), nil), &Request{Op: OpRecvFrom}},
		{"garbage", []byte{0xff}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, PeekCall(tc.msg)); diff != "" {
				t.Errorf("PeekCall() (-want +got):\n%s", diff)
			}
		})
	}
}

// serve — принять одно соединение и отвечать handler'ом на каждый запрос.
func serve(t *testing.T, path string, handle func(fd int, req *Request)) {
	t.Helper()
	lfd, err := Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		defer unix.Close(lfd)
		// слушающий сокет неблокирующий: ждём через poll
		pfd := []unix.PollFd{{Fd: int32(lfd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, 5000); err != nil {
			return
		}
		fd, err := Accept(lfd)
		if err != nil {
			return
		}
		defer unix.Close(fd)
		r := NewReader(fd)
		for {
			cfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			if _, err := unix.Poll(cfd, 5000); err != nil {
				return
			}
			req, err := r.ReadRequest()
			if err != nil {
				return
			}
			handle(fd, req)
		}
	}()
}

func TestClientWaitNext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.socket")
	peer := netip.MustParseAddrPort("192.168.168.8:9000")
	serve(t, path, func(fd int, req *Request) {
		switch req.Op {
		case OpAtStart:
			WriteResponse(fd, &Response{Op: OpAtStart, Result: Result{Start: 4096, Count: 1024}})
		case OpRecvFrom:
			// повторный WAIT_NEXT до окончательного ответа
			WriteResponse(fd, &Response{Status: StatusWaitNext, Op: OpRecvFrom})
			WriteResponse(fd, &Response{Status: StatusWaitNext, Op: OpRecvFrom})
			WriteResponse(fd, &Response{Op: OpRecvFrom, Result: Result{
				Ret:  5,
				Buf:  []byte("hello"),
				Addr: header.EncodeSockaddrInet4(peer),
			}})
		case OpConnect:
			WriteResponse(fd, &Response{Op: OpConnect, Result: Result{Ret: -1, Errno: int32(unix.EINPROGRESS)}})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	start, count, err := c.AtStart(ctx, "test")
	if err != nil || start != 4096 || count != 1024 {
		t.Fatalf("AtStart() = %d, %d, %v", start, count, err)
	}
	data, from, err := c.RecvFrom(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" || from != peer {
		t.Errorf("RecvFrom() = %q from %v", data, from)
	}
	if err := c.Connect(ctx, peer); !errors.Is(err, unix.EINPROGRESS) {
		t.Errorf("Connect() = %v, want EINPROGRESS", err)
	}
}

func TestDialRetriesUntilListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late", "master.socket")
	listening := make(chan int, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		lfd, err := Listen(path)
		if err != nil {
			lfd = -1
		}
		listening <- lfd
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, path)
	if lfd := <-listening; lfd >= 0 {
		defer unix.Close(lfd)
	}
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	c.Close()
}

func TestDialGivesUpOnContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.socket")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, path); err == nil {
		t.Fatal("Dial() to a missing socket succeeded")
	}
}
