package orchestrator

import "chartsync/internal/domain"

// SessionState names the (symbol, interval) a session is bound to.
type SessionState struct {
	Symbol   domain.Symbol
	Interval domain.Interval
}

func (s SessionState) valid() bool {
	return s.Symbol != "" && s.Interval.Valid()
}

func (s SessionState) equal(o SessionState) bool {
	return s.Symbol == o.Symbol && s.Interval == o.Interval
}
