package membership

import (
	"fmt"
	"maps"
)

type State uint8

const (
	StateAnnounced State = iota
	StateActive
	StateStale
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Member struct {
	ID    string `json:"id"`
	Group string `json:"group"`
	// Addr is the unicast address the member announced, if any.
	Addr  string            `json:"addr,omitempty"`
	Props map[string]string `json:"props,omitempty"`
	State State             `json:"state"`
	// Misses counts consecutive announce cycles without hearing from the member.
	Misses int `json:"misses"`
	// LastSeen is the highest NetTime the member announced.
	LastSeen uint64 `json:"last_seen"`
	Local    bool   `json:"local"`
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateAnnounced, StateActive, StateStale, StateRemoved} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("membership: unknown state %q", b)
}

func (m Member) clone() Member {
	m.Props = maps.Clone(m.Props)
	return m
}
