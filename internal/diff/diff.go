// Package diff compares a fresh source read against durable state.
package diff

import (
	"resultwatch/internal/results"
	"resultwatch/internal/storage"
)

type Kind uint8

const (
	KindNew Kind = iota + 1
	KindChanged
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Change is one record that still needs a notification.
// Previous is nil for ids the store has never seen.
type Change struct {
	Record   results.Record
	Previous *storage.Entry
	Kind     Kind
}

type Delta struct {
	Changes   []Change
	Unchanged int
	// Duplicates counts repeated ids in the read; only the first occurrence is kept.
	Duplicates int
}

func (d Delta) Empty() bool { return len(d.Changes) == 0 }

func (d Delta) Len() int { return len(d.Changes) }

func (d Delta) Records() []results.Record {
	out := make([]results.Record, 0, len(d.Changes))
	for _, c := range d.Changes {
		out = append(out, c.Record)
	}
	return out
}

func (d Delta) IDs() []string {
	out := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		out = append(out, c.Record.ID)
	}
	return out
}

// Compute returns the records whose entry is absent, carries a different
// signature, or was never marked notified. Source order is preserved.
// Entries missing from records are ignored.
func Compute(records []results.Record, state map[string]storage.Entry) Delta {
	var d Delta
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			d.Duplicates++
			continue
		}
		seen[r.ID] = struct{}{}

		prev, ok := state[r.ID]
		switch {
		case !ok:
			d.Changes = append(d.Changes, Change{Record: r, Kind: KindNew})
		case prev.LastSignature != r.Signature || !prev.Notified:
			p := prev
			d.Changes = append(d.Changes, Change{Record: r, Previous: &p, Kind: KindChanged})
		default:
			d.Unchanged++
		}
	}
	return d
}
