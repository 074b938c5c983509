package lookup

import (
	"github.com/shizukutanaka/kadnode/internal/wire"
)

// strategy carries what differs between node and value lookups.
type strategy struct {
	name string
	op   wire.Op
	// extract inspects a response and reports whether it ends the lookup.
	extract func(s *state, r *request, resp *wire.Message) bool
	// converged reports a variant-specific reason to stop once nothing is in
	// flight.
	converged func(s *state) bool
	// finish turns the final state into the caller's outcome.
	finish func(s *state, result Result, err error) (Result, error)
}

var nodeStrategy = &strategy{
	name: "node",
	op:   wire.OpFindNode,
	extract: func(*state, *request, *wire.Message) bool {
		return false
	},
	converged: func(s *state) bool {
		return s.targetFound
	},
	finish: func(_ *state, result Result, err error) (Result, error) {
		return result, err
	},
}

var valueStrategy = &strategy{
	name: "value",
	op:   wire.OpFindValue,
	extract: func(s *state, r *request, resp *wire.Message) bool {
		if !resp.Found || len(resp.Value) == 0 {
			return false
		}
		s.value = resp.Value
		s.source = r.responder(resp)
		return true
	},
	converged: func(*state) bool {
		return false
	},
	finish: func(s *state, result Result, err error) (Result, error) {
		if err != nil {
			return result, err
		}
		if s.value == nil {
			return result, ErrValueNotFound
		}
		result.Value = s.value
		result.Source = s.source
		return result, nil
	},
}
