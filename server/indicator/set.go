package indicator

import (
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
)

// Set holds the indicators of one connection indexed by the event types they
// observe. A Set is immutable after construction.
type Set struct {
	all    []Indicator
	byType map[model.EventType][]Indicator
}

// NewSet builds one indicator per definition, falling back to the default
// definitions when defs is empty. Invalid definitions are logged and skipped.
func NewSet(defs []model.IndicatorDefinition) *Set {
	if len(defs) == 0 {
		defs = DefaultDefinitions()
	}

	s := &Set{byType: make(map[model.EventType][]Indicator)}
	for _, def := range defs {
		ind, err := New(def)
		if err != nil {
			logger.Warn("Indicator: skipping invalid definition", "component", "INDICATOR", "exam_id", def.ExamID, "name", def.Name, "error", err)
			continue
		}
		s.all = append(s.all, ind)
		for _, et := range ind.EventTypes() {
			s.byType[et] = append(s.byType[et], ind)
		}
	}
	return s
}

// For returns the indicators subscribed to eventType.
func (s *Set) For(eventType model.EventType) []Indicator {
	if s == nil {
		return nil
	}
	return s.byType[eventType]
}

func (s *Set) All() []Indicator {
	if s == nil {
		return nil
	}
	return s.all
}

func (s *Set) Snapshot() []Value {
	if s == nil {
		return nil
	}
	values := make([]Value, 0, len(s.all))
	for _, ind := range s.all {
		values = append(values, ind.Snapshot())
	}
	return values
}
