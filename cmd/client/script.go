package main

import (
	"fmt"
	"strings"
	"sync/atomic"

	"arena/internal/protocol"
)

// inputScript replays a fixed list of inputs, one per tick, looping.
//
// The pattern is comma separated. Each step is any mix of f, b, l, r
// (forward, back, left, right) or "-" for no input: "f,f,fr,-".
type inputScript struct {
	steps []protocol.ClientInput
	next  atomic.Uint64
}

func parseScript(pattern string) (*inputScript, error) {
	s := &inputScript{}
	for _, raw := range strings.Split(pattern, ",") {
		step := strings.TrimSpace(strings.ToLower(raw))
		var in protocol.ClientInput
		if step != "-" {
			if step == "" {
				return nil, fmt.Errorf("empty step in %q", pattern)
			}
			for _, c := range step {
				switch c {
				case 'f':
					in.MoveForward = true
				case 'b':
					in.MoveBack = true
				case 'l':
					in.MoveLeft = true
				case 'r':
					in.MoveRight = true
				default:
					return nil, fmt.Errorf("unknown direction %q in step %q", c, step)
				}
			}
		}
		s.steps = append(s.steps, in)
	}
	return s, nil
}

// Sample returns the next step.
func (s *inputScript) Sample() protocol.ClientInput {
	i := s.next.Add(1) - 1
	return s.steps[i%uint64(len(s.steps))]
}
