package alert

import (
	"pyramid-trading/internal/strategy"
)

// EventSink forwards engine decisions of the selected kinds to a DecisionAlerter. With
// no kinds selected every decision is forwarded.
type EventSink struct {
	target DecisionAlerter
	kinds  map[strategy.EventKind]bool
}

func NewEventSink(target DecisionAlerter, kinds ...strategy.EventKind) *EventSink {
	s := &EventSink{target: target}
	if len(kinds) > 0 {
		s.kinds = make(map[strategy.EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s
}

func (s *EventSink) Handle(events []strategy.Event) {
	if s == nil || s.target == nil {
		return
	}
	for _, ev := range events {
		if s.kinds == nil || s.kinds[ev.Kind()] {
			s.target.Decision(ev)
		}
	}
}

var _ strategy.EventSink = (*EventSink)(nil)
