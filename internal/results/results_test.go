package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"mark": "4:12.30", "place": "3"}
	b := map[string]any{"place": "3", "mark": "4:12.30"}
	require.Equal(t, Sign(a), Sign(b))
	require.Len(t, Sign(a), 16)
}

func TestSignDetectsContentChange(t *testing.T) {
	r := Result{AthleteID: "1", Event: "1500m", Mark: "4:12.30", MeetName: "GLVC"}
	changed := r
	changed.Mark = "4:11.90"
	require.NotEqual(t, Sign(r), Sign(changed))
}

func TestNewRecordSignsResult(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := Result{AthleteID: "1", Event: "5000m", Mark: "15:02.1"}
	rec := NewRecord("1:100_200", r, now)
	require.Equal(t, "1:100_200", rec.ID)
	require.Equal(t, Sign(r), rec.Signature)
	require.Equal(t, now, rec.ObservedAt)
}

func TestSourceFunc(t *testing.T) {
	src := SourceFunc(func(ctx context.Context) ([]Record, error) {
		return []Record{{ID: "a"}, {ID: "b"}}, nil
	})
	recs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, IDs(recs))
}
