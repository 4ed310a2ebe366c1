package tracker

import "time"

// Flags selects which "me" queries run each cycle.
type Flags struct {
	AssignedToMe bool
	Authored     bool
	Watched      bool
}

// DefaultFlags tracks everything.
func DefaultFlags() Flags {
	return Flags{AssignedToMe: true, Authored: true, Watched: true}
}

func (f Flags) Count() int {
	n := 0
	for _, on := range []bool{f.AssignedToMe, f.Authored, f.Watched} {
		if on {
			n++
		}
	}
	return n
}

// Plan returns one query per enabled flag, in a fixed order.
//
// Every query uses watermark as an inclusive lower bound; a zero watermark
// yields unbounded queries. With all flags off the plan is empty.
func Plan(flags Flags, watermark time.Time) []Query {
	var since time.Time
	if !watermark.IsZero() {
		since = watermark.UTC()
	}

	out := make([]Query, 0, flags.Count())
	if flags.AssignedToMe {
		out = append(out, Query{Field: FilterAssignee, Since: since})
	}
	if flags.Authored {
		out = append(out, Query{Field: FilterAuthor, Since: since})
	}
	if flags.Watched {
		out = append(out, Query{Field: FilterWatcher, Since: since})
	}
	return out
}
