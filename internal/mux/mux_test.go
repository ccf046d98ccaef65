package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"

	"tunstack/internal/header"
	"tunstack/internal/ip"
	"tunstack/internal/pkbuf"
	"tunstack/internal/rpc"
	"tunstack/internal/transport"
)

var (
	stackAddr = netip.MustParseAddr("192.168.168.10")
	peer      = netip.MustParseAddrPort("192.168.168.8:5353")
)

// captureLink — канальный уровень, складывающий кадры в канал.
type captureLink struct{ frames chan []byte }

func (l *captureLink) Transmit(b *pkbuf.Buffer) error {
	defer b.Release()
	var frame []byte
	for cur := b; cur != nil; cur = cur.Next {
		for _, s := range cur.Frame() {
			frame = append(frame, s...)
		}
	}
	l.frames <- frame
	return nil
}

type harness struct {
	mux    *Mux
	engine *ip.Engine
	tcp    *transport.Layer
	udp    *transport.Layer
	link   *captureLink
	path   string
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{link: &captureLink{frames: make(chan []byte, 16)}}
	h.engine = ip.New(h.link, ip.Options{Addr: stackAddr, VerifyChecksum: true, Logger: quiet()})
	topts := transport.Options{VerifyChecksum: true, ISS: func() uint32 { return 1000 }, Logger: quiet()}
	h.tcp = transport.NewTCP(h.engine, topts)
	h.udp = transport.NewUDP(h.engine, topts)
	h.engine.Register(header.ProtoTCP, h.tcp)
	h.engine.Register(header.ProtoUDP, h.udp)

	h.path = filepath.Join(t.TempDir(), "master.socket")
	m, err := New(h.tcp, h.udp, Options{SocketPath: h.path, Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	h.mux = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() = %v", err)
		}
		if err := m.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return h
}

func (h *harness) dial(t *testing.T) *rpc.Client {
	t.Helper()
	c, err := rpc.Dial(testContext(t), h.path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// onLoop — выполнить f в горутине диспетчера и дождаться.
func (h *harness) onLoop(f func()) {
	done := make(chan struct{})
	h.mux.Post(func() {
		f()
		close(done)
	})
	<-done
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-h.link.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame transmitted")
		return nil
	}
}

// inject — кадр от peer в IP-уровень, как его отдал бы интерфейс.
func (h *harness) inject(t *testing.T, ls ...gopacket.SerializableLayer) {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	b, err := pkbuf.FromBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	h.engine.Process(b)
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: proto,
		SrcIP: peer.Addr().AsSlice(), DstIP: stackAddr.AsSlice(),
	}
}

func (h *harness) injectUDP(t *testing.T, dstPort uint16, payload string) {
	t.Helper()
	iph := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(peer.Port()), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(iph)
	h.inject(t, iph, udp, gopacket.Payload(payload))
}

// expectSilence — больше ни одного сообщения от демона.
func expectSilence(t *testing.T, c *rpc.Client, op rpc.Op) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if resp, err := c.Next(ctx, op); err == nil {
		t.Errorf("unexpected extra message: %+v", resp)
	}
}

func TestAtStartAndUnsupported(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	start, count, err := c.AtStart(ctx, "shim")
	if err != nil || start != DefaultFDStart || count != DefaultFDCount {
		t.Fatalf("AtStart() = %d, %d, %v", start, count, err)
	}
	for _, op := range []rpc.Op{rpc.OpPoll, rpc.OpSelect, rpc.OpGetSockOpt, rpc.OpSetSockOpt, rpc.OpFcntl, rpc.OpAtExit} {
		resp, err := c.Send(ctx, op, rpc.Args{})
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if resp.Status != rpc.StatusOK || resp.Result.Ret != -1 || unix.Errno(resp.Result.Errno) != unix.ENOSYS {
			t.Errorf("%s answered %+v, want OK -1 ENOSYS", op, resp)
		}
	}
	if _, err := c.Call(ctx, rpc.OpSendTo, rpc.Args{Buf: []byte("x")}); !errors.Is(err, unix.EBADF) {
		t.Errorf("sendto without socket = %v, want EBADF", err)
	}
}

func TestMalformedRequestAnswered(t *testing.T) {
	h := newHarness(t)
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: h.path, Net: "unixpacket"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	call := func(op rpc.Op, typ protowire.Type, value []byte) []byte {
		b := protowire.AppendTag(nil, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 77)
		b = protowire.AppendTag(b, protowire.Number(op), typ)
		if typ == protowire.BytesType {
			return protowire.AppendBytes(b, value)
		}
		return protowire.AppendVarint(b, 1)
	}
	read := func(d time.Duration) (*rpc.Response, error) {
		buf := make([]byte, rpc.MaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(d))
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		resp := new(rpc.Response)
		return resp, resp.Unmarshal(buf[:n])
	}

	// sendto с нагрузкой больше датаграммы управляющего канала
	args := protowire.AppendTag(nil, 5, protowire.BytesType)
	args = protowire.AppendBytes(args, make([]byte, rpc.MaxMessageSize))
	for _, tc := range []struct {
		name  string
		msg   []byte
		op    rpc.Op
		errno unix.Errno
	}{
		{"oversized sendto", call(rpc.OpSendTo, protowire.BytesType, args), rpc.OpSendTo, unix.EMSGSIZE},
		{"connect as varint", call(rpc.OpConnect, protowire.VarintType, nil), rpc.OpConnect, unix.EINVAL},
	} {
		if _, err := conn.Write(tc.msg); err != nil {
			t.Fatalf("%s: write: %v", tc.name, err)
		}
		resp, err := read(5 * time.Second)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if resp.Status != rpc.StatusOK || resp.Op != tc.op || resp.Result.Ret != -1 || unix.Errno(resp.Result.Errno) != tc.errno {
			t.Errorf("%s answered %+v, want OK %s -1 %v", tc.name, resp, tc.op, tc.errno)
		}
	}

	// вызова не видно: ответить не на что, канал живёт дальше
	pidOnly := protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 77)
	if _, err := conn.Write(pidOnly); err != nil {
		t.Fatal(err)
	}
	if resp, err := read(200 * time.Millisecond); err == nil {
		t.Errorf("reply to a message without a call: %+v", resp)
	}
	req := &rpc.Request{Pid: 77, Op: rpc.OpAtStart, Args: rpc.Args{ProgName: "shim"}}
	b, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatal(err)
	}
	if resp, err := read(5 * time.Second); err != nil || resp.Op != rpc.OpAtStart || resp.Result.Ret != 0 {
		t.Errorf("atstart after bad requests = %+v, %v", resp, err)
	}
}

func TestDeferredReceive(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_DGRAM); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, peer); err != nil {
		t.Fatal(err)
	}
	local, err := c.SockName(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if local.Addr() != stackAddr || local.Port() != transport.FirstEphemeralPort {
		t.Errorf("SockName() = %v", local)
	}
	if got, err := c.PeerName(ctx); err != nil || got != peer {
		t.Errorf("PeerName() = %v, %v", got, err)
	}

	resp, err := c.Send(ctx, rpc.OpRecvFrom, rpc.Args{Len: 64, RequireAddr: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != rpc.StatusWaitNext {
		t.Fatalf("blocking recvfrom on empty queue: status %s, want WAIT_NEXT", resp.Status)
	}

	h.injectUDP(t, local.Port(), "hello")

	resp, err = c.Next(ctx, rpc.OpRecvFrom)
	if err != nil {
		t.Fatal(err)
	}
	from, _ := header.DecodeSockaddrInet4(resp.Result.Addr)
	if resp.Status != rpc.StatusOK || string(resp.Result.Buf) != "hello" || resp.Result.Ret != 5 || from != peer {
		t.Errorf("deferred reply = %+v from %v", resp, from)
	}
	expectSilence(t, c, rpc.OpRecvFrom)

	// данные уже в очереди — ответ сразу
	h.injectUDP(t, local.Port(), "again")
	data, _, err := c.RecvFrom(ctx, 3)
	if err != nil || string(data) != "aga" {
		t.Errorf("RecvFrom() = %q, %v", data, err)
	}
}

func TestNonblockingReceive(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Send(ctx, rpc.OpRecvFrom, rpc.Args{Len: 64})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != rpc.StatusOK || resp.Result.Ret != -1 || unix.Errno(resp.Result.Errno) != unix.EAGAIN {
		t.Errorf("non-blocking recvfrom = %+v, want OK -1 EAGAIN", resp)
	}
}

func TestUDPSendTo(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_DGRAM); err != nil {
		t.Fatal(err)
	}
	n, err := c.SendTo(ctx, []byte("query"), peer)
	if err != nil || n != 5 {
		t.Fatalf("SendTo() = %d, %v", n, err)
	}
	pkt := gopacket.NewPacket(h.nextFrame(t), layers.LayerTypeIPv4, gopacket.Default)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("no UDP layer in %v", pkt)
	}
	if int(udp.DstPort) != int(peer.Port()) || string(udp.Payload) != "query" {
		t.Errorf("sent datagram to %d with %q", udp.DstPort, udp.Payload)
	}
	if _, err := c.SendTo(ctx, make([]byte, rpc.MaxBufSize+1), peer); err == nil {
		t.Error("oversized sendto accepted")
	}
}

func TestBlockingConnect(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_STREAM); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Send(ctx, rpc.OpConnect, rpc.Args{Addr: header.EncodeSockaddrInet4(peer)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != rpc.StatusWaitNext {
		t.Fatalf("blocking connect: status %s, want WAIT_NEXT", resp.Status)
	}

	pkt := gopacket.NewPacket(h.nextFrame(t), layers.LayerTypeIPv4, gopacket.Default)
	syn, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || !syn.SYN || syn.ACK {
		t.Fatalf("first segment is not a SYN: %v", pkt)
	}

	iph := ipv4(layers.IPProtocolTCP)
	synack := &layers.TCP{
		SrcPort: layers.TCPPort(peer.Port()), DstPort: syn.SrcPort,
		Seq: 5000, Ack: syn.Seq + 1, SYN: true, ACK: true, Window: 8192,
	}
	synack.SetNetworkLayerForChecksum(iph)
	h.inject(t, iph, synack)

	resp, err = c.Next(ctx, rpc.OpConnect)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != rpc.StatusOK || resp.Result.Ret != 0 {
		t.Errorf("connect completion = %+v", resp)
	}
	expectSilence(t, c, rpc.OpConnect)

	pkt = gopacket.NewPacket(h.nextFrame(t), layers.LayerTypeIPv4, gopacket.Default)
	if ack, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); !ok || !ack.ACK || ack.Ack != 5001 {
		t.Errorf("handshake ACK = %v", pkt)
	}
}

func TestConnectRefused(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_STREAM); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Send(ctx, rpc.OpConnect, rpc.Args{Addr: header.EncodeSockaddrInet4(peer)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != rpc.StatusWaitNext {
		t.Fatalf("blocking connect: status %s, want WAIT_NEXT", resp.Status)
	}
	pkt := gopacket.NewPacket(h.nextFrame(t), layers.LayerTypeIPv4, gopacket.Default)
	syn, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || !syn.SYN {
		t.Fatalf("first segment is not a SYN: %v", pkt)
	}

	// закрытый порт собеседника: RST+ACK на наш SYN
	iph := ipv4(layers.IPProtocolTCP)
	rst := &layers.TCP{
		SrcPort: layers.TCPPort(peer.Port()), DstPort: syn.SrcPort,
		Ack: syn.Seq + 1, RST: true, ACK: true,
	}
	rst.SetNetworkLayerForChecksum(iph)
	h.inject(t, iph, rst)

	resp, err = c.Next(ctx, rpc.OpConnect)
	if err != nil {
		t.Fatal(err)
	}
	want := rpc.Result{Ret: -1, Errno: int32(unix.ECONNREFUSED)}
	if resp.Status != rpc.StatusOK || resp.Result.Ret != want.Ret || resp.Result.Errno != want.Errno {
		t.Errorf("connect completion = %+v, want OK %+v", resp, want)
	}
	expectSilence(t, c, rpc.OpConnect)

	if err := c.Connect(ctx, peer); !errors.Is(err, unix.ECONNREFUSED) {
		t.Errorf("Connect() after refusal = %v, want ECONNREFUSED", err)
	}
}

func TestNonblockingConnect(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_STREAM|unix.SOCK_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, peer); !errors.Is(err, unix.EINPROGRESS) {
		t.Errorf("Connect() = %v, want EINPROGRESS", err)
	}
	h.nextFrame(t)
	if err := c.Connect(ctx, peer); !errors.Is(err, unix.EALREADY) {
		t.Errorf("second Connect() = %v, want EALREADY", err)
	}
}

func TestRefcountTeardown(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_DGRAM); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(ctx, rpc.OpAtFork, rpc.Args{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(ctx, rpc.OpClose, rpc.Args{}); err != nil {
		t.Fatal(err)
	}
	// одна ссылка осталась: канал жив
	if _, err := c.SockName(ctx); err != nil {
		t.Fatalf("SockName() after first close = %v", err)
	}
	var channels, pcbs int
	h.onLoop(func() { channels, pcbs = h.mux.Len(), h.udp.Len() })
	if channels != 1 || pcbs != 1 {
		t.Fatalf("after first close: %d channels, %d pcbs", channels, pcbs)
	}

	if _, err := c.Call(ctx, rpc.OpClose, rpc.Args{}); err != nil {
		t.Fatal(err)
	}
	h.onLoop(func() { channels, pcbs = h.mux.Len(), h.udp.Len() })
	if channels != 0 || pcbs != 0 {
		t.Errorf("after last close: %d channels, %d pcbs", channels, pcbs)
	}
	if _, err := c.Next(ctx, rpc.OpClose); err == nil {
		t.Error("connection still open after teardown")
	}
}

func TestHangupTearsDown(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	ctx := testContext(t)

	if err := c.Socket(ctx, unix.SOCK_DGRAM); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(ctx, rpc.OpRecvFrom, rpc.Args{Len: 16}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var channels, waiters int
		h.onLoop(func() { channels, waiters = h.mux.Len(), len(h.mux.waiters) })
		if channels == 0 && waiters == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel not torn down: %d channels, %d waiters", channels, waiters)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.udp.Len(); n != 0 {
		t.Errorf("%d pcbs left after hangup", n)
	}
}
