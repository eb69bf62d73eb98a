// Package rpc defines the wire protocol spoken between registryd and its
// clients: the fixed request header, operation codes, error tokens and the
// permission entry encoding. The constants match the well-known on-the-wire
// values of the reference protocol and must not be renumbered.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Op is a wire operation code.
type Op uint32

const (
	OpControl Op = iota
	OpDirectory
	OpRead
	OpGetPerms
	OpWatch
	OpUnwatch
	OpTransactionStart
	OpTransactionEnd
	OpIntroduce
	OpRelease
	OpGetDomainPath
	OpWrite
	OpMkdir
	OpRm
	OpSetPerms
	OpWatchEvent
	OpError
	OpIsDomainIntroduced
	OpResume
	OpSetTarget
	OpRestrict
	OpResetWatches
)

// OpDebug is the historical name for the control operation.
const OpDebug = OpControl

var opNames = map[Op]string{
	OpControl:            "CONTROL",
	OpDirectory:          "DIRECTORY",
	OpRead:               "READ",
	OpGetPerms:           "GET_PERMS",
	OpWatch:              "WATCH",
	OpUnwatch:            "UNWATCH",
	OpTransactionStart:   "TRANSACTION_START",
	OpTransactionEnd:     "TRANSACTION_END",
	OpIntroduce:          "INTRODUCE",
	OpRelease:            "RELEASE",
	OpGetDomainPath:      "GET_DOMAIN_PATH",
	OpWrite:              "WRITE",
	OpMkdir:              "MKDIR",
	OpRm:                 "RM",
	OpSetPerms:           "SET_PERMS",
	OpWatchEvent:         "WATCH_EVENT",
	OpError:              "ERROR",
	OpIsDomainIntroduced: "IS_DOMAIN_INTRODUCED",
	OpResume:             "RESUME",
	OpSetTarget:          "SET_TARGET",
	OpRestrict:           "RESTRICT",
	OpResetWatches:       "RESET_WATCHES",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "UNKNOWN(" + strconv.FormatUint(uint64(op), 10) + ")"
}

const (
	// HeaderSize is the size of the fixed request/response header.
	HeaderSize = 16

	// PayloadMax caps the body of any single frame in either direction.
	PayloadMax = 4096

	// AbsPathMax and RelPathMax cap path lengths before prefix resolution.
	AbsPathMax = 3072
	RelPathMax = 2048

	// DomainPathMax is headroom for the longest domain prefix that can be
	// prepended to a relative path. The receive buffer of a connection is
	// sized HeaderSize + DomainPathMax + PayloadMax + 1: the trailing byte
	// holds the implicit NUL that terminates the body internally and is
	// never transmitted.
	DomainPathMax = 35
)

// Header is the fixed quad of unsigned 32-bit integers framing every message.
// Encoding is the platform native byte order; little-endian on every platform
// the daemon runs on.
type Header struct {
	Type  Op
	ReqID uint32
	TxID  uint32
	Len   uint32
}

func (h *Header) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[4:], h.ReqID)
	binary.LittleEndian.PutUint32(b[8:], h.TxID)
	binary.LittleEndian.PutUint32(b[12:], h.Len)
}

func DecodeHeader(b []byte) Header {
	return Header{
		Type:  Op(binary.LittleEndian.Uint32(b[0:])),
		ReqID: binary.LittleEndian.Uint32(b[4:]),
		TxID:  binary.LittleEndian.Uint32(b[8:]),
		Len:   binary.LittleEndian.Uint32(b[12:]),
	}
}

// SplitFields splits a NUL-separated body into its fields. A trailing NUL
// does not produce an empty final field.
func SplitFields(body []byte) []string {
	body = bytes.TrimSuffix(body, []byte{0})
	if len(body) == 0 {
		return nil
	}
	parts := bytes.Split(body, []byte{0})
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields
}

// SplitPathPayload splits a body of the form path\0data, returning the data
// verbatim (it may itself contain NUL bytes).
func SplitPathPayload(body []byte) (path string, data []byte) {
	if i := bytes.IndexByte(body, 0); i >= 0 {
		return string(body[:i]), body[i+1:]
	}
	return string(body), nil
}

// Errno is a wire-visible error token. It implements error so store, watch
// and domain operations can return it directly up to the dispatcher.
type Errno int

const (
	EINVAL Errno = iota + 1
	ENOENT
	EACCES
	EEXIST
	EISDIR
	ENOTDIR
	EIO
	ENOMEM
	ENOSPC
	EAGAIN
	ENOSYS
)

var errnoTokens = map[Errno]string{
	EINVAL:  "EINVAL",
	ENOENT:  "ENOENT",
	EACCES:  "EACCES",
	EEXIST:  "EEXIST",
	EISDIR:  "EISDIR",
	ENOTDIR: "ENOTDIR",
	EIO:     "EIO",
	ENOMEM:  "ENOMEM",
	ENOSPC:  "ENOSPC",
	EAGAIN:  "EAGAIN",
	ENOSYS:  "ENOSYS",
}

func (e Errno) Error() string {
	if tok, ok := errnoTokens[e]; ok {
		return tok
	}
	return "EIO"
}

// ErrnoFor maps an arbitrary error to its wire token, defaulting to EIO for
// errors that have no protocol representation.
func ErrnoFor(err error) Errno {
	if e, ok := err.(Errno); ok {
		return e
	}
	return EIO
}

// ParseErrno recognises a wire error token, for the client side.
func ParseErrno(tok string) (Errno, bool) {
	for e, t := range errnoTokens {
		if t == tok {
			return e, true
		}
	}
	return 0, false
}

// Perm is one entry of a node's permission list. Entry zero of a list names
// the node owner; its Read/Write flags are the default granted to domains
// not otherwise listed.
type Perm struct {
	Dom   uint32
	Read  bool
	Write bool
}

// String encodes a permission entry as <letter><domid> with letter one of
// n, r, w, b.
func (p Perm) String() string {
	var c byte
	switch {
	case p.Read && p.Write:
		c = 'b'
	case p.Read:
		c = 'r'
	case p.Write:
		c = 'w'
	default:
		c = 'n'
	}
	return string(c) + strconv.FormatUint(uint64(p.Dom), 10)
}

// ParsePerm decodes a <letter><domid> permission entry.
func ParsePerm(s string) (Perm, error) {
	if len(s) < 2 {
		return Perm{}, EINVAL
	}
	var p Perm
	switch s[0] {
	case 'b':
		p.Read, p.Write = true, true
	case 'r':
		p.Read = true
	case 'w':
		p.Write = true
	case 'n':
	default:
		return Perm{}, EINVAL
	}
	dom, err := strconv.ParseUint(s[1:], 10, 32)
	if err != nil {
		return Perm{}, EINVAL
	}
	p.Dom = uint32(dom)
	return p, nil
}

// EncodePerms renders a permission list as NUL-terminated entries, the
// GET_PERMS response body.
func EncodePerms(perms []Perm) []byte {
	var b bytes.Buffer
	for _, p := range perms {
		b.WriteString(p.String())
		b.WriteByte(0)
	}
	return b.Bytes()
}

// ParsePerms decodes the NUL-split fields of a SET_PERMS request.
func ParsePerms(fields []string) ([]Perm, error) {
	if len(fields) == 0 {
		return nil, EINVAL
	}
	perms := make([]Perm, 0, len(fields))
	for _, f := range fields {
		p, err := ParsePerm(f)
		if err != nil {
			return nil, fmt.Errorf("permission entry %q: %w", f, err)
		}
		perms = append(perms, p)
	}
	return perms, nil
}
