// Package results defines the records produced by a results source and the
// signatures used to detect when a record's content changed.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Result holds the human-facing fields of one athletic result.
type Result struct {
	AthleteID   string `json:"athlete_id"`
	AthleteName string `json:"athlete_name"`
	Sport       string `json:"sport"`
	Event       string `json:"event"`
	Mark        string `json:"mark"`
	Place       string `json:"place,omitempty"`
	MeetName    string `json:"meet_name"`
	MeetDate    string `json:"meet_date,omitempty"`
	PR          bool   `json:"pr,omitempty"`
	SR          bool   `json:"sr,omitempty"`
}

// Record is one observed result. Records are produced fresh on every fetch
// and only compared, never mutated.
type Record struct {
	ID         string    `json:"id"`
	Signature  string    `json:"signature"`
	ObservedAt time.Time `json:"observed_at"`
	Result     Result    `json:"result"`
}

// Source returns the current observable result set.
type Source interface {
	Fetch(ctx context.Context) ([]Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Record, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]Record, error) { return f(ctx) }

// NewRecord builds a record whose signature covers the content of r.
func NewRecord(id string, r Result, observedAt time.Time) Record {
	return Record{ID: id, Signature: Sign(r), ObservedAt: observedAt, Result: r}
}

// Sign returns a stable signature of v.
//
// v is marshaled to JSON and re-marshaled through a generic value so field
// order and whitespace never influence the result. The hash is FNV-64a, hex
// encoded.
func Sign(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err == nil {
		if cb, err := json.Marshal(generic); err == nil {
			b = cb
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}

// IDs returns the ids of recs in order.
func IDs(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
