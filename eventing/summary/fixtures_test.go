package summary

import (
	"fmt"

	"epoque/eventing"
)

type Counted struct {
	N int `json:"n"`
}

func (Counted) EventType() string { return "Counted" }

type Reset struct{}

func (Reset) EventType() string { return "Reset" }

type Tally struct {
	Count int
	Sum   int
}

func countJournal(opts ...func(*JournalBuilder[Tally])) *Journal[Tally] {
	b := NewJournalBuilder("counter", "Tally", Tally{})
	On(b, func(s Tally, e Counted) (Tally, error) {
		if e.N < 0 {
			return s, fmt.Errorf("negative value %d", e.N)
		}
		return Tally{Count: s.Count + 1, Sum: s.Sum + e.N}, nil
	})
	for _, opt := range opts {
		opt(b)
	}
	return b.MustBuild()
}

func counted(from eventing.Version, values ...int) []eventing.VersionedEvent {
	out := make([]eventing.VersionedEvent, len(values))
	for i, n := range values {
		out[i] = eventing.VersionedEvent{
			Version:   from.Add(i),
			EventType: "Counted",
			Payload:   []byte(fmt.Sprintf(`{"n":%d}`, n)),
		}
	}
	return out
}
