package paxos

import (
	"fmt"

	"caracaldb/internal/view"
)

type MessageKind uint8

const (
	KindPrepare MessageKind = iota + 1
	KindPromise
	KindNoPromise
	KindAccept
	KindAccepted
	KindRejected
	KindForward
	KindInstall
	KindLogRequest
	KindLogResponse
	KindDecided
	KindLogTruncated
)

var kindNames = map[MessageKind]string{
	KindPrepare:      "prepare",
	KindPromise:      "promise",
	KindNoPromise:    "no_promise",
	KindAccept:       "accept",
	KindAccepted:     "accepted",
	KindRejected:     "rejected",
	KindForward:      "forward",
	KindInstall:      "install",
	KindLogRequest:   "log_request",
	KindLogResponse:  "log_response",
	KindDecided:      "decided",
	KindLogTruncated: "log_truncated",
}

func (k MessageKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Body is the payload of a protocol message.
type Body interface {
	Kind() MessageKind
}

// Message is the envelope every protocol message travels in. Ballot is the
// sender's ballot: the proposed one for Prepare and Accept, the acceptor's
// promised one for the replies.
type Message struct {
	Source view.Address
	Dest   view.Address
	Ballot int32
	Body   Body
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%s->%s b=%d)", m.Body.Kind(), m.Source, m.Dest, m.Ballot)
}

// Prepare starts phase 1. Acceptors only report votes above HighestDecided.
type Prepare struct {
	HighestDecided int64
}

type Promise struct {
	Votes []Instance
	View  view.View
}

type NoPromise struct{}

type Accept struct {
	Instance Instance
}

type Accepted struct {
	Instance Instance
	View     view.View
}

type Rejected struct {
	Instance Instance
}

// Forward carries a proposal to every member.
type Forward struct {
	Value Value
}

// Install bootstraps a member added by a reconfiguration with the view and
// the decided log up to the reconfiguration slot. Seen holds the client
// requests decided before the first entry of Log.
type Install struct {
	View           view.View
	Quorum         int
	Log            []Decision
	HighestDecided int64
	Seen           []DecidedID
}

// LogRequest asks a peer for decided slots starting at From.
type LogRequest struct {
	From int64
}

type LogResponse struct {
	Entries []Decision
}

// Decided tells the replica that forwarded Value that it was already
// decided at Slot.
type Decided struct {
	Value Value
	Slot  int64
}

// LogTruncated answers a LogRequest for slots the sender already pruned. The
// receiver restarts its log at Next, with the sender's retained entries from
// Next on, and gets the skipped slots as a snapshot transfer.
type LogTruncated struct {
	View   view.View
	Quorum int
	Next   int64
	Log    []Decision
	Seen   []DecidedID
}

func (Prepare) Kind() MessageKind      { return KindPrepare }
func (Promise) Kind() MessageKind      { return KindPromise }
func (NoPromise) Kind() MessageKind    { return KindNoPromise }
func (Accept) Kind() MessageKind       { return KindAccept }
func (Accepted) Kind() MessageKind     { return KindAccepted }
func (Rejected) Kind() MessageKind     { return KindRejected }
func (Forward) Kind() MessageKind      { return KindForward }
func (Install) Kind() MessageKind      { return KindInstall }
func (LogRequest) Kind() MessageKind   { return KindLogRequest }
func (LogResponse) Kind() MessageKind  { return KindLogResponse }
func (Decided) Kind() MessageKind      { return KindDecided }
func (LogTruncated) Kind() MessageKind { return KindLogTruncated }
