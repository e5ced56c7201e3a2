package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/archive"
	"github.com/LeJamon/goLockstepd/internal/diagnostics"
	"github.com/LeJamon/goLockstepd/internal/lockstep/desync"
	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
	"github.com/LeJamon/goLockstepd/internal/lockstep/peer"
)

func (s *Session) archiveStart(snapshot []byte) error {
	a := s.deps.Archive
	if a == nil {
		return nil
	}
	ctx := context.Background()
	meta := archive.Meta{SessionID: s.id.String(), Role: string(s.role), CreatedAt: time.Now().UTC()}
	if err := a.PutMeta(ctx, meta); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	return a.PutSnapshot(ctx, snapshot)
}

func (s *Session) onStart() {
	if s.host != nil {
		s.host.StopAcceptingClients(peer.DefaultRejectReason)
		s.log.WithField("peers", s.host.PeerCount()).Info("timeline started")
	}
}

func (s *Session) onCommit(tick int64, applied []event.Event) {
	for _, e := range applied {
		s.deps.Metrics.EventApplied(string(e.Type))
	}
	if s.host != nil && len(applied) > 0 && s.host.PeerCount() > 0 {
		s.deps.Metrics.EventsBroadcast(len(applied))
	}
	if s.deps.Archive != nil {
		if err := s.deps.Archive.AppendBatch(context.Background(), tick, applied); err != nil {
			s.log.WithError(err).WithField("tick", tick).Warn("could not archive tick")
		}
	}
}

func (s *Session) onTick(completed int64) {
	next := completed + 1
	s.deps.Metrics.TickCompleted(s.io.TicksBehind(next), s.sync.Speed())

	switch {
	case s.host != nil:
		s.deps.Metrics.SetPeers(s.host.PeerCount())
		s.deps.Metrics.SetLateEvents(s.host.LateEvents())
		s.broadcastTraces(completed)
	case s.follower != nil:
		s.deps.Metrics.SetLateEvents(s.follower.LateEvents())
		s.verifyPending(completed)
	}
}

// broadcastTraces sends the host's report for completed every TraceInterval
// ticks. Without followers the buckets are confirmed right away.
func (s *Session) broadcastTraces(completed int64) {
	if s.cfg.TraceInterval <= 0 || completed%s.cfg.TraceInterval != 0 {
		return
	}
	if s.host.PeerCount() == 0 {
		s.detector.Confirm(completed)
		return
	}
	report, ok := s.detector.Report(completed)
	if !ok {
		return
	}
	if err := s.host.Broadcast(event.New(completed, report)); err != nil {
		s.log.WithError(err).WithField("tick", completed).Warn("could not broadcast traces")
	}
}

// verifyPending checks held host reports up to completed. Matches are
// acknowledged; the first mismatch desyncs the session.
func (s *Session) verifyPending(completed int64) {
	for _, v := range s.detector.CheckPending(completed) {
		if !v.Match {
			s.sync.Desync(v)
			return
		}
		if err := s.follower.Send(event.New(v.Tick, event.TraceAck{})); err != nil {
			s.log.WithError(err).Debug("could not acknowledge traces")
		}
		s.detector.Confirm(v.Tick)
	}
}

// HandleControl receives control records during a poll.
func (s *Session) HandleControl(from peer.PeerID, e event.Event) {
	switch body := e.Body.(type) {
	case event.TraceAck:
		s.acknowledge(from, e.Tick)
	case event.TraceReport:
		if s.follower == nil {
			return
		}
		s.detector.AddPeerReport(e.Tick, body)
		s.verifyPending(s.sync.TicksSinceLoad() - 1)
	case event.Desync:
		s.peerDesync(from, body)
	default:
		if s.follower != nil && !e.IsControl() {
			s.receiveInit(e)
			return
		}
		s.log.WithFields(logrus.Fields{"peer": from, "type": e.Type}).Debug("ignored control record")
	}
}

// receiveInit hands the host's init event to the simulation.
func (s *Session) receiveInit(e event.Event) {
	r, ok := s.sim.(InitReceiver)
	if !ok {
		s.log.WithField("type", e.Type).Debug("simulation takes no init event")
		return
	}
	if err := r.ReceiveInit(context.Background(), e); err != nil {
		s.log.WithError(err).WithField("type", e.Type).Warn("init event failed")
	}
}

// acknowledge counts a follower's TraceAck. Once every connected follower
// agreed on tick, the host's buckets up to it are confirmed.
func (s *Session) acknowledge(from peer.PeerID, tick int64) {
	if s.host == nil {
		return
	}
	acked := s.acks[tick]
	if acked == nil {
		acked = make(map[peer.PeerID]struct{})
		s.acks[tick] = acked
	}
	acked[from] = struct{}{}
	if len(acked) < s.host.PeerCount() {
		return
	}
	s.detector.Confirm(tick)
	for t := range s.acks {
		if t <= tick {
			delete(s.acks, t)
		}
	}
}

// peerDesync handles a Desync record from the other side. A host drops
// only the follower that diverged; a follower told by the host is done.
func (s *Session) peerDesync(from peer.PeerID, d event.Desync) {
	v := desync.Verdict{
		Tick:   d.Tick,
		Reason: d.Reason,
		Line:   d.Line,
		Local:  d.Remote,
		Remote: d.Local,
	}
	if s.host != nil {
		s.log.WithFields(logrus.Fields{"peer": from, "tick": d.Tick, "reason": d.Reason}).
			Warn("follower desynced")
		s.record(v, "follower")
		s.host.DropPeer(from, &DesyncError{Verdict: v, Remote: true})
		return
	}
	s.remoteDesync = true
	s.sync.Desync(v)
}

func (s *Session) onDesync(v desync.Verdict) {
	s.record(v, string(s.role))
	if s.deps.Status != nil {
		s.deps.Status.SetServing(false)
	}
	if s.host != nil {
		s.host.MarkDesynced()
	}
	if s.follower != nil {
		s.follower.MarkDesynced()
	}
}

// record stores a verdict in the diagnostics store and metrics. role names
// the side that diverged.
func (s *Session) record(v desync.Verdict, role string) {
	s.deps.Metrics.Desync(v.Reason)
	if s.deps.Diagnostics == nil {
		return
	}
	err := s.deps.Diagnostics.RecordDesync(context.Background(), diagnostics.Report{
		SessionID: s.id.String(),
		Role:      role,
		Tick:      v.Tick,
		Line:      v.Line,
		Reason:    v.Reason,
		Local:     v.Local,
		Remote:    v.Remote,
	})
	if err != nil {
		s.log.WithError(err).Warn("could not store desync report")
	}
}
