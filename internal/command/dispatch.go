// Package command implements the command dispatcher (§4.H): parses an
// argument list, validates arity and argument types, and invokes the
// matching internal/store operation, serializing the result via
// internal/wire.
//
// Grounded on _examples/original_source/redis/14/14_server.cpp's
// cmd_is/do_request dispatch table and its do_get/do_set/do_del/
// do_expire/do_ttl/do_keys/do_zadd/do_zrem/do_zscore/do_zquery handlers,
// translated from the original's positional argc/argv checks into a Go
// arity-and-name switch.
package command

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"kvd/internal/store"
	"kvd/internal/wire"
)

// Dispatcher executes parsed requests against a Store.
type Dispatcher struct {
	store *store.Store
}

// New returns a Dispatcher bound to s.
func New(s *store.Store) *Dispatcher {
	return &Dispatcher{store: s}
}

// Dispatch executes args and returns a fully framed response. If the
// assembled response would exceed maxMsg bytes of payload, it is
// discarded and replaced with a single ERR(TOO_BIG) (§4.G).
func (d *Dispatcher) Dispatch(args [][]byte, maxMsg int) ([]byte, error) {
	w := wire.NewWriter()
	d.route(args, w)

	frame, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	if len(frame)-wire.HeaderLen > maxMsg {
		tooBig := wire.NewWriter()
		tooBig.WriteErr(wire.ErrTooBig, "response exceeds MAX_MSG")
		return tooBig.Bytes()
	}
	return frame, nil
}

func (d *Dispatcher) route(args [][]byte, w *wire.Writer) {
	if len(args) == 0 {
		w.WriteErr(wire.ErrUnknown, "empty command")
		return
	}
	name := strings.ToUpper(string(args[0]))

	switch {
	case name == "KEYS" && len(args) == 1:
		d.keys(w)
	case name == "GET" && len(args) == 2:
		d.get(args[1], w)
	case name == "SET" && len(args) == 3:
		d.set(args[1], args[2], w)
	case name == "DEL" && len(args) == 2:
		d.del(args[1], w)
	case name == "PEXPIRE" && len(args) == 3:
		d.pexpire(args[1], args[2], w)
	case name == "PTTL" && len(args) == 2:
		d.pttl(args[1], w)
	case name == "ZADD" && len(args) == 4:
		d.zadd(args[1], args[2], args[3], w)
	case name == "ZREM" && len(args) == 3:
		d.zrem(args[1], args[2], w)
	case name == "ZSCORE" && len(args) == 3:
		d.zscore(args[1], args[2], w)
	case name == "ZQUERY" && len(args) == 6:
		d.zquery(args[1], args[2], args[3], args[4], args[5], w)
	default:
		w.WriteErr(wire.ErrUnknown, "unknown command or wrong arity")
	}
}

func (d *Dispatcher) keys(w *wire.Writer) {
	w.BeginArr()
	for _, k := range d.store.Keys() {
		w.WriteStr(k)
	}
	w.EndArr()
}

func (d *Dispatcher) get(key []byte, w *wire.Writer) {
	val, ok, err := d.store.Get(key)
	if err == store.ErrWrongType {
		w.WriteErr(wire.ErrType, "expect string")
		return
	}
	if !ok {
		w.WriteNil()
		return
	}
	w.WriteStr(val)
}

func (d *Dispatcher) set(key, val []byte, w *wire.Writer) {
	if err := d.store.Set(key, val); err == store.ErrWrongType {
		w.WriteErr(wire.ErrType, "expect string")
		return
	}
	w.WriteNil()
}

func (d *Dispatcher) del(key []byte, w *wire.Writer) {
	if d.store.Del(key) {
		w.WriteInt(1)
	} else {
		w.WriteInt(0)
	}
}

func (d *Dispatcher) pexpire(key, msArg []byte, w *wire.Writer) {
	ms, err := parseInt(msArg)
	if err != nil {
		w.WriteErr(wire.ErrArg, "expect integer milliseconds")
		return
	}
	if d.store.PExpire(key, ms) {
		w.WriteInt(1)
	} else {
		w.WriteInt(0)
	}
}

func (d *Dispatcher) pttl(key []byte, w *wire.Writer) {
	w.WriteInt(d.store.PTTL(key))
}

func (d *Dispatcher) zadd(key, scoreArg, name []byte, w *wire.Writer) {
	score, err := parseFloat(scoreArg)
	if err != nil {
		w.WriteErr(wire.ErrArg, "expect float score")
		return
	}
	added, err := d.store.ZAdd(key, name, score)
	if err == store.ErrWrongType {
		w.WriteErr(wire.ErrType, "expect zset")
		return
	}
	if added {
		w.WriteInt(1)
	} else {
		w.WriteInt(0)
	}
}

func (d *Dispatcher) zrem(key, name []byte, w *wire.Writer) {
	removed, present, err := d.store.ZRem(key, name)
	if err == store.ErrWrongType {
		w.WriteErr(wire.ErrType, "expect zset")
		return
	}
	if !present {
		w.WriteNil()
		return
	}
	if removed {
		w.WriteInt(1)
	} else {
		w.WriteInt(0)
	}
}

func (d *Dispatcher) zscore(key, name []byte, w *wire.Writer) {
	score, ok, err := d.store.ZScore(key, name)
	if err == store.ErrWrongType {
		w.WriteErr(wire.ErrType, "expect zset")
		return
	}
	if !ok {
		w.WriteNil()
		return
	}
	w.WriteDbl(score)
}

func (d *Dispatcher) zquery(key, scoreArg, name, offsetArg, limitArg []byte, w *wire.Writer) {
	score, err := parseFloat(scoreArg)
	if err != nil {
		w.WriteErr(wire.ErrArg, "expect float score")
		return
	}
	offset, err := parseInt(offsetArg)
	if err != nil {
		w.WriteErr(wire.ErrArg, "expect integer offset")
		return
	}
	limit, err := parseInt(limitArg)
	if err != nil {
		w.WriteErr(wire.ErrArg, "expect integer limit")
		return
	}

	// limit bounds the number of output values (name, score per member), so
	// the member count passed to the store is limit/2.
	members, err := d.store.ZQuery(key, score, name, int(offset), int(limit)/2)
	if err == store.ErrWrongType {
		w.WriteErr(wire.ErrType, "expect zset")
		return
	}
	if limit <= 0 {
		w.BeginArr()
		w.EndArr()
		return
	}

	w.BeginArr()
	for _, m := range members {
		w.WriteStr(m.Name)
		w.WriteDbl(m.Score)
	}
	w.EndArr()
}

var errNaN = errors.New("command: NaN score not allowed")

func parseInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

func parseFloat(b []byte) (float64, error) {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) {
		return 0, errNaN
	}
	return f, nil
}
