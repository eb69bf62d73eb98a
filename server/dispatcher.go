package server

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sysml/registryd"
	"github.com/sysml/registryd/registry"
	"github.com/sysml/registryd/rpc"
)

// MaxTxnPerConn bounds outstanding transactions per client so an
// abandoned client cannot pin unbounded working copies.
const MaxTxnPerConn = 16

// Disp services one connection's requests against the registry.
type Disp struct {
	reg  *registry.Registry
	ctx  *registryd.Context
	conn *SrvConn
}

// ackBody is the canonical acknowledgement payload.
var ackBody = []byte("OK\x00")

// Dispatch parses one request frame and returns the response frame. Errors
// never tear the connection down; they become ERROR frames.
func (d *Disp) Dispatch(hdr rpc.Header, body []byte) (rpc.Header, []byte) {
	requestsTotal.WithLabelValues(hdr.Type.String()).Inc()

	rbody, err := d.dispatch(hdr, body)
	if err != nil {
		errno := rpc.ErrnoFor(err)
		errorsTotal.WithLabelValues(errno.Error()).Inc()
		log.WithFields(log.Fields{
			"conn": d.conn.id,
			"op":   hdr.Type.String(),
		}).WithError(err).Debug("dispatch: error response")
		return rpc.Header{Type: rpc.OpError, ReqID: hdr.ReqID, TxID: hdr.TxID},
			append([]byte(errno.Error()), 0)
	}
	if len(rbody) > rpc.PayloadMax {
		errorsTotal.WithLabelValues(rpc.ENOSPC.Error()).Inc()
		return rpc.Header{Type: rpc.OpError, ReqID: hdr.ReqID, TxID: hdr.TxID},
			append([]byte(rpc.ENOSPC.Error()), 0)
	}
	return rpc.Header{Type: hdr.Type, ReqID: hdr.ReqID, TxID: hdr.TxID}, rbody
}

func (d *Disp) dispatch(hdr rpc.Header, body []byte) ([]byte, error) {
	if d.ctx.ReadOnly && mutatingOp(hdr.Type) {
		return nil, rpc.EACCES
	}
	tid := hdr.TxID
	if tid != 0 && !d.conn.ownsTxn(tid) {
		return nil, rpc.EINVAL
	}

	switch hdr.Type {
	case rpc.OpDirectory:
		return d.Directory(tid, body)
	case rpc.OpRead:
		return d.Read(tid, body)
	case rpc.OpWrite:
		return d.Write(tid, body)
	case rpc.OpMkdir:
		return d.Mkdir(tid, body)
	case rpc.OpRm:
		return d.Rm(tid, body)
	case rpc.OpGetPerms:
		return d.GetPerms(tid, body)
	case rpc.OpSetPerms:
		return d.SetPerms(tid, body)
	case rpc.OpWatch:
		return d.Watch(body)
	case rpc.OpUnwatch:
		return d.Unwatch(body)
	case rpc.OpTransactionStart:
		return d.TransactionStart()
	case rpc.OpTransactionEnd:
		return d.TransactionEnd(tid, body)
	case rpc.OpIntroduce:
		return d.Introduce(body)
	case rpc.OpRelease:
		return d.Release(body)
	case rpc.OpIsDomainIntroduced:
		return d.IsDomainIntroduced(body)
	case rpc.OpGetDomainPath:
		return d.GetDomainPath(body)
	case rpc.OpResetWatches:
		d.reg.UnwatchAll(d.conn)
		return ackBody, nil
	case rpc.OpControl, rpc.OpResume, rpc.OpSetTarget:
		// Accepted for compatibility; no effect here.
		return ackBody, nil
	case rpc.OpRestrict:
		return nil, rpc.ENOSYS
	default:
		return nil, rpc.EINVAL
	}
}

func mutatingOp(op rpc.Op) bool {
	switch op {
	case rpc.OpWrite, rpc.OpMkdir, rpc.OpRm, rpc.OpSetPerms,
		rpc.OpTransactionStart, rpc.OpTransactionEnd,
		rpc.OpIntroduce, rpc.OpRelease, rpc.OpSetTarget:
		return true
	}
	return false
}

// resolvePath turns a request path into the canonical absolute form:
// absolute paths and sentinels pass through, anything else resolves
// against the connection's domain prefix.
func (d *Disp) resolvePath(p string) (string, error) {
	if p == "" {
		return "", rpc.EINVAL
	}
	if p[0] == '/' || p[0] == '@' {
		if len(p) > rpc.AbsPathMax {
			return "", rpc.EINVAL
		}
		return p, nil
	}
	if len(p) > rpc.RelPathMax {
		return "", rpc.EINVAL
	}
	return d.ctx.Prefix + "/" + p, nil
}

func (d *Disp) Directory(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	children, err := d.reg.Directory(d.ctx.Domid, tid, path)
	if err != nil {
		return nil, err
	}
	var b []byte
	for _, c := range children {
		b = append(b, c...)
		b = append(b, 0)
	}
	return b, nil
}

func (d *Disp) Read(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	return d.reg.Read(d.ctx.Domid, tid, path)
}

func (d *Disp) Write(tid uint32, body []byte) ([]byte, error) {
	rawPath, value := rpc.SplitPathPayload(body)
	path, err := d.resolvePath(rawPath)
	if err != nil {
		return nil, err
	}
	if err := d.reg.Write(d.ctx.Domid, tid, path, value); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) Mkdir(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	if err := d.reg.Mkdir(d.ctx.Domid, tid, path); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) Rm(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	if err := d.reg.Rm(d.ctx.Domid, tid, path); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) GetPerms(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	perms, err := d.reg.GetPerms(d.ctx.Domid, tid, path)
	if err != nil {
		return nil, err
	}
	return rpc.EncodePerms(perms), nil
}

func (d *Disp) SetPerms(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) < 2 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	perms, err := rpc.ParsePerms(fields[1:])
	if err != nil {
		return nil, rpc.EINVAL
	}
	if err := d.reg.SetPerms(d.ctx.Domid, tid, path, perms); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) Watch(body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 2 || fields[0] == "" {
		return nil, rpc.EINVAL
	}
	rel := fields[0][0] != '/' && fields[0][0] != '@'
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	if err := d.reg.Watch(d.conn, path, fields[1], rel); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) Unwatch(body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 2 {
		return nil, rpc.EINVAL
	}
	path, err := d.resolvePath(fields[0])
	if err != nil {
		return nil, err
	}
	if err := d.reg.Unwatch(d.conn, path, fields[1]); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) TransactionStart() ([]byte, error) {
	if d.conn.txnCount() >= MaxTxnPerConn {
		return nil, rpc.ENOSPC
	}
	tid := d.reg.TransactionStart(d.ctx.Domid)
	d.conn.trackTxn(tid)
	transactionsStarted.Inc()
	return append([]byte(strconv.FormatUint(uint64(tid), 10)), 0), nil
}

func (d *Disp) TransactionEnd(tid uint32, body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if tid == 0 || len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	var commit bool
	switch strings.ToUpper(fields[0]) {
	case "T":
		commit = true
	case "F":
		commit = false
	default:
		return nil, rpc.EINVAL
	}
	d.conn.untrackTxn(tid)
	if err := d.reg.TransactionEnd(d.ctx.Domid, tid, commit); err != nil {
		if err == rpc.EAGAIN {
			transactionsConflicted.Inc()
		}
		return nil, err
	}
	if commit {
		transactionsCommitted.Inc()
	}
	return ackBody, nil
}

func (d *Disp) Introduce(body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 3 {
		return nil, rpc.EINVAL
	}
	domid, err1 := parseU32(fields[0])
	ref, err2 := parseU32(fields[1])
	port, err3 := parseU32(fields[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, rpc.EINVAL
	}
	if err := d.reg.IntroduceDomain(domid, ref, port); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) Release(body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	domid, err := parseU32(fields[0])
	if err != nil {
		return nil, rpc.EINVAL
	}
	if err := d.reg.ReleaseDomain(domid); err != nil {
		return nil, err
	}
	return ackBody, nil
}

func (d *Disp) IsDomainIntroduced(body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	domid, err := parseU32(fields[0])
	if err != nil {
		return nil, rpc.EINVAL
	}
	if d.reg.DomainIntroduced(domid) {
		return []byte("T\x00"), nil
	}
	return []byte("F\x00"), nil
}

func (d *Disp) GetDomainPath(body []byte) ([]byte, error) {
	fields := rpc.SplitFields(body)
	if len(fields) != 1 {
		return nil, rpc.EINVAL
	}
	domid, err := parseU32(fields[0])
	if err != nil {
		return nil, rpc.EINVAL
	}
	return append([]byte(registry.DomainPath(domid)), 0), nil
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
