// Package ops defines the client operations the store linearizes and the
// responses it returns.
package ops

import (
	"fmt"
	"strings"

	"caracaldb/internal/key"
	"caracaldb/internal/rangequery"
	"caracaldb/internal/view"
)

type ResponseCode uint8

const (
	Success ResponseCode = iota
	Busy
	LookupTimeout
	ReadTimeout
	WriteTimeout
	ClientTimeout
	RangeQueryTimeout
	SuccessInterrupted
	UnsupportedOp
)

var codeNames = [...]string{
	Success:            "SUCCESS",
	Busy:               "BUSY",
	LookupTimeout:      "LOOKUP_TIMEOUT",
	ReadTimeout:        "READ_TIMEOUT",
	WriteTimeout:       "WRITE_TIMEOUT",
	ClientTimeout:      "CLIENT_TIMEOUT",
	RangeQueryTimeout:  "RANGEQUERY_TIMEOUT",
	SuccessInterrupted: "SUCCESS_INTERRUPTED",
	UnsupportedOp:      "UNSUPPORTED_OP",
}

func (c ResponseCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ResponseCode(%d)", uint8(c))
}

// Kind is the type of a client operation.
type Kind uint8

const (
	KindGet Kind = iota + 1
	KindPut
	KindRangeQuery
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindPut:
		return "put"
	case KindRangeQuery:
		return "range"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request is a client operation. Origin and ID together identify it across
// the cluster; Origin is the replica the client talks to and the address all
// replicas answer to.
type Request struct {
	ID     uint64
	Origin view.Address
	Kind   Kind

	Key   key.Key
	Value []byte

	Range     key.KeyRange
	Limit     rangequery.Limit
	Transform rangequery.Transform
}

func NewGet(id uint64, origin view.Address, k key.Key) Request {
	return Request{ID: id, Origin: origin, Kind: KindGet, Key: k}
}

func NewPut(id uint64, origin view.Address, k key.Key, value []byte) Request {
	return Request{ID: id, Origin: origin, Kind: KindPut, Key: k, Value: value}
}

func NewRangeQuery(id uint64, origin view.Address, r key.KeyRange, limit rangequery.Limit, t rangequery.Transform) Request {
	return Request{ID: id, Origin: origin, Kind: KindRangeQuery, Range: r, Limit: limit, Transform: t}
}

// Compare orders requests by origin and then id.
func (r Request) Compare(o Request) int {
	if c := strings.Compare(string(r.Origin), string(o.Origin)); c != 0 {
		return c
	}
	switch {
	case r.ID < o.ID:
		return -1
	case r.ID > o.ID:
		return 1
	}
	return 0
}

// Reply builds a response to r carrying only a code.
func (r Request) Reply(code ResponseCode) Response {
	return Response{ID: r.ID, Origin: r.Origin, Kind: r.Kind, Code: code}
}

func (r Request) String() string {
	switch r.Kind {
	case KindGet:
		return fmt.Sprintf("Get(%s)#%s/%d", r.Key, r.Origin, r.ID)
	case KindPut:
		return fmt.Sprintf("Put(%s, %dB)#%s/%d", r.Key, len(r.Value), r.Origin, r.ID)
	case KindRangeQuery:
		return fmt.Sprintf("Range(%s)#%s/%d", r.Range, r.Origin, r.ID)
	default:
		return fmt.Sprintf("%s#%s/%d", r.Kind, r.Origin, r.ID)
	}
}

// Response answers a Request. Value and Found are set for gets, Result for
// range queries.
type Response struct {
	ID     uint64
	Origin view.Address
	Kind   Kind
	Code   ResponseCode

	Value []byte
	Found bool

	Result *rangequery.Response
}
