// Package rpc — сообщения управляющего канала между шимом и демоном
// и их кодирование в wire-формате protobuf.
//
// Request:  1 pid (varint), 2..16 вызов (вложенное сообщение Args).
// Response: 1 status (varint), 2..16 вызов (вложенное сообщение Result).
// Номер поля вызова совпадает в запросе и ответе.
package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize — предел одного сообщения (одна датаграмма seqpacket).
const MaxMessageSize = 81920

// MaxBufSize — предел полезной нагрузки sendto/recvfrom в сообщении.
const MaxBufSize = 80000

var (
	ErrMessageTooLarge = errors.New("rpc: message too large")
	ErrNoOp            = errors.New("rpc: message carries no call")
)

// Op — вызов; значение равно номеру поля в сообщении.
type Op protowire.Number

const (
	OpNone        Op = 0
	OpSocket      Op = 2
	OpConnect     Op = 3
	OpClose       Op = 4
	OpSendTo      Op = 5
	OpRecvFrom    Op = 6
	OpGetPeerName Op = 7
	OpGetSockName Op = 8
	OpPoll        Op = 9
	OpSelect      Op = 10
	OpGetSockOpt  Op = 11
	OpSetSockOpt  Op = 12
	OpFcntl       Op = 13
	OpAtStart     Op = 14
	OpAtFork      Op = 15
	OpAtExit      Op = 16
)

var opNames = map[Op]string{
	OpSocket:      "socket",
	OpConnect:     "connect",
	OpClose:       "close",
	OpSendTo:      "sendto",
	OpRecvFrom:    "recvfrom",
	OpGetPeerName: "getpeername",
	OpGetSockName: "getsockname",
	OpPoll:        "poll",
	OpSelect:      "select",
	OpGetSockOpt:  "getsockopt",
	OpSetSockOpt:  "setsockopt",
	OpFcntl:       "fcntl",
	OpAtStart:     "atstart",
	OpAtFork:      "atfork",
	OpAtExit:      "atexit",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Valid — известный вызов.
func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// Status — код ответа.
type Status int32

const (
	// StatusOK — ответ окончательный.
	StatusOK Status = 0
	// StatusWaitNext — результат придёт следующим сообщением без запроса.
	StatusWaitNext Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWaitNext:
		return "WAIT_NEXT"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Args — аргументы вызова. Поля, не нужные вызову, остаются нулевыми.
type Args struct {
	Domain      int32  // 1 socket
	Type        int32  // 2 socket
	Protocol    int32  // 3 socket
	Addr        []byte // 4 connect, sendto: struct sockaddr_in
	Buf         []byte // 5 sendto
	Flags       int32  // 6 sendto, recvfrom
	Len         int32  // 7 recvfrom
	RequireAddr bool   // 8 recvfrom
	ProgName    string // 9 atstart
}

// Result — результат вызова.
type Result struct {
	Ret   int64  // 1 sint64
	Errno int32  // 2
	Buf   []byte // 3 recvfrom
	Addr  []byte // 4 recvfrom, getpeername, getsockname
	Start int32  // 5 atstart: первый дескриптор диапазона
	Count int32  // 6 atstart: размер диапазона
}

// Request — запрос шима.
type Request struct {
	Pid  int32
	Op   Op
	Args Args
}

// Response — ответ демона.
type Response struct {
	Status Status
	Op     Op
	Result Result
}

func appendInt(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (a *Args) marshal(b []byte) []byte {
	b = appendInt(b, 1, a.Domain)
	b = appendInt(b, 2, a.Type)
	b = appendInt(b, 3, a.Protocol)
	b = appendBytes(b, 4, a.Addr)
	b = appendBytes(b, 5, a.Buf)
	b = appendInt(b, 6, a.Flags)
	b = appendInt(b, 7, a.Len)
	if a.RequireAddr {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if a.ProgName != "" {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, a.ProgName)
	}
	return b
}

func (r *Result) marshal(b []byte) []byte {
	if r.Ret != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Ret))
	}
	b = appendInt(b, 2, r.Errno)
	b = appendBytes(b, 3, r.Buf)
	b = appendBytes(b, 4, r.Addr)
	b = appendInt(b, 5, r.Start)
	b = appendInt(b, 6, r.Count)
	return b
}

// Marshal — запрос в байты. Выход: ErrNoOp, ErrMessageTooLarge.
func (r *Request) Marshal() ([]byte, error) {
	if !r.Op.Valid() {
		return nil, ErrNoOp
	}
	b := appendInt(nil, 1, r.Pid)
	b = appendMessage(b, protowire.Number(r.Op), r.Args.marshal(nil))
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	return b, nil
}

// Marshal — ответ в байты. Выход: ErrNoOp, ErrMessageTooLarge.
func (r *Response) Marshal() ([]byte, error) {
	if !r.Op.Valid() {
		return nil, ErrNoOp
	}
	b := appendInt(nil, 1, int32(r.Status))
	b = appendMessage(b, protowire.Number(r.Op), r.Result.marshal(nil))
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	return b, nil
}

// field — одно поле верхнего уровня или вложенного сообщения.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	buf []byte
}

// walk — обойти поля b; неизвестные типы пропускаются.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("rpc: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.buf, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("rpc: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (a *Args) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.Domain = int32(f.v)
		case 2:
			a.Type = int32(f.v)
		case 3:
			a.Protocol = int32(f.v)
		case 4:
			a.Addr = clone(f.buf)
		case 5:
			a.Buf = clone(f.buf)
		case 6:
			a.Flags = int32(f.v)
		case 7:
			a.Len = int32(f.v)
		case 8:
			a.RequireAddr = protowire.DecodeBool(f.v)
		case 9:
			a.ProgName = string(f.buf)
		}
		return nil
	})
}

func (r *Result) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			r.Ret = protowire.DecodeZigZag(f.v)
		case 2:
			r.Errno = int32(f.v)
		case 3:
			r.Buf = clone(f.buf)
		case 4:
			r.Addr = clone(f.buf)
		case 5:
			r.Start = int32(f.v)
		case 6:
			r.Count = int32(f.v)
		}
		return nil
	})
}

// PeekCall — pid и первый известный вызов по началу сообщения, которое
// целиком не разбирается: обрезано или вызов закодирован не тем типом.
// Значение поля вызова не читается. Выход: nil, если вызова не видно.
func PeekCall(b []byte) *Request {
	r := new(Request)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil
		}
		b = b[n:]
		if Op(num).Valid() {
			r.Op = Op(num)
			return r
		}
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil
			}
			r.Pid = int32(v)
			b = b[n:]
			continue
		}
		if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// Unmarshal — запрос из байтов. Последнее поле вызова побеждает, как в oneof.
func (r *Request) Unmarshal(b []byte) error {
	if len(b) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	*r = Request{}
	err := walk(b, func(f field) error {
		switch {
		case f.num == 1 && f.typ == protowire.VarintType:
			r.Pid = int32(f.v)
		case Op(f.num).Valid() && f.typ == protowire.BytesType:
			r.Op = Op(f.num)
			r.Args = Args{}
			return r.Args.unmarshal(f.buf)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if r.Op == OpNone {
		return ErrNoOp
	}
	return nil
}

// Unmarshal — ответ из байтов.
func (r *Response) Unmarshal(b []byte) error {
	if len(b) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	*r = Response{}
	err := walk(b, func(f field) error {
		switch {
		case f.num == 1 && f.typ == protowire.VarintType:
			r.Status = Status(int32(f.v))
		case Op(f.num).Valid() && f.typ == protowire.BytesType:
			r.Op = Op(f.num)
			r.Result = Result{}
			return r.Result.unmarshal(f.buf)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if r.Op == OpNone {
		return ErrNoOp
	}
	return nil
}
