package weft

import (
	"pkt.systems/weft/conversation"
	"pkt.systems/weft/draft"
	"pkt.systems/weft/schema"
)

// UpdateSink receives engine output: merged timelines, draft snapshots
// and status hints.
type UpdateSink interface {
	OnTimeline(update conversation.Update)
	OnDraft(kind schema.DraftKind, snapshot draft.Snapshot)
	OnStatus(attemptID schema.AttemptID, status string)
}

type sinkFanout struct {
	sinks []UpdateSink
}

func (f sinkFanout) OnTimeline(update conversation.Update) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTimeline(update)
	}
}

func (f sinkFanout) OnDraft(kind schema.DraftKind, snapshot draft.Snapshot) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnDraft(kind, snapshot)
	}
}

func (f sinkFanout) OnStatus(attemptID schema.AttemptID, status string) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnStatus(attemptID, status)
	}
}
