package paxos

import (
	"log/slog"

	"caracaldb/internal/view"
)

func (p *Paxos) onPrepare(from view.Address, ballot int32, msg Prepare) {
	if !p.view.Contains(from) {
		slog.Debug("ignoring prepare from non-member", "node", p.self, "from", from, "view", p.view)
		return
	}

	if ballot <= p.bal {
		p.send(from, p.bal, NoPromise{})
		return
	}

	if !p.adoptBallot(ballot) {
		return
	}

	votes := make([]Instance, 0, len(p.votes))
	for _, s := range sortedSlots(p.votes) {
		if s > msg.HighestDecided {
			votes = append(votes, p.votes[s])
		}
	}
	p.send(from, p.bal, Promise{Votes: votes, View: p.view})
}

func (p *Paxos) onAccept(from view.Address, ballot int32, msg Accept) {
	if !p.view.Contains(from) {
		slog.Debug("ignoring accept from non-member", "node", p.self, "from", from, "view", p.view)
		return
	}

	if ballot < p.bal {
		p.send(from, p.bal, Rejected{Instance: msg.Instance})
		return
	}

	if !p.adoptBallot(ballot) {
		return
	}

	inst := msg.Instance
	inst.Ballot = ballot
	if inst.ID <= p.prunedUpTo {
		return
	}
	p.votes[inst.ID] = inst
	if err := p.store.SaveVote(inst); err != nil {
		slog.Error("persist vote failed, not acknowledging", "node", p.self, "slot", inst.ID, "error", err)
		delete(p.votes, inst.ID)
		return
	}

	p.broadcast(p.bal, Accepted{Instance: inst, View: p.view})
}

// adoptBallot raises the promised ballot. It reports false when the new
// ballot could not be made durable, in which case nothing may be promised.
func (p *Paxos) adoptBallot(ballot int32) bool {
	if ballot <= p.bal {
		return true
	}
	if err := p.store.SaveBallot(ballot); err != nil {
		slog.Error("persist ballot failed", "node", p.self, "ballot", ballot, "error", err)
		return false
	}
	p.bal = ballot
	p.updateMetrics()

	// a higher ballot from someone else means our own round is dead
	if p.leader && ballot > p.b {
		p.resetLeaderState()
	}
	return true
}
