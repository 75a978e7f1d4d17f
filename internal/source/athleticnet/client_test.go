package athleticnet

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "resultwatch/pkg/logx"
)

const bioXC = `{
  "athlete": {"IDAthlete": 29640757},
  "resultsXC": [
    {"MeetID": 200, "IDResult": 9001, "Result": "16:02.4", "Event": "", "Distance": 5000,
     "MeetName": "Conference Champs", "MeetDate": "2025-10-25T00:00:00", "Place": 4,
     "PersonalBest": true, "SeasonBest": true},
    {"MeetID": "201", "Result": "16:30.0", "Event": "8K", "MeetName": "", "Place": "12",
     "PersonalBest": false, "SeasonBest": null}
  ]
}`

const bioTF = `{"resultsTF": [{"MeetID": 300, "IDResult": 42, "Result": "4:05.1", "Event": "1500 Meters", "MeetName": "Outdoor Open", "MeetDate": "2025-04-12", "Place": 1, "PersonalBest": false, "SeasonBest": true}]}`

func fixedNow() time.Time { return time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC) }

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchMapsRecords(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/AthleteBio/GetAthleteBioData", r.URL.Path)
		require.Equal(t, "0", r.URL.Query().Get("level"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		switch r.URL.Query().Get("sport") {
		case SportXC:
			_, _ = w.Write([]byte(bioXC))
		case SportTF:
			_, _ = w.Write([]byte(bioTF))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	c := New([]Athlete{{ID: "29640757", Name: "Chase", Sports: []string{"XC", "tf"}}},
		Options{BaseURL: srv.URL + "/", Now: fixedNow}, logx.Nop())

	recs, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	first := recs[0]
	require.Equal(t, "29640757:200_9001", first.ID)
	require.Equal(t, "5000m", first.Result.Event)
	require.Equal(t, "2025-10-25", first.Result.MeetDate)
	require.Equal(t, "4", first.Result.Place)
	require.True(t, first.Result.PR)
	require.Equal(t, "Chase", first.Result.AthleteName)
	require.Equal(t, fixedNow(), first.ObservedAt)
	require.Len(t, first.Signature, 16)

	second := recs[1]
	require.Equal(t, "29640757:201_16:30.0", second.ID, "falls back to the mark when IDResult is missing")
	require.Equal(t, "Unknown Meet", second.Result.MeetName)
	require.False(t, second.Result.SR)

	require.Equal(t, "29640757:300_42", recs[2].ID)
	require.Equal(t, SportTF, recs[2].Result.Sport)
}

func TestSignatureIgnoresAthleteName(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(bioTF)) })

	a := New([]Athlete{{ID: "1", Name: "Old", Sports: []string{SportTF}}}, Options{BaseURL: srv.URL}, logx.Nop())
	b := New([]Athlete{{ID: "1", Name: "New", Sports: []string{SportTF}}}, Options{BaseURL: srv.URL}, logx.Nop())

	ra, err := a.Fetch(context.Background())
	require.NoError(t, err)
	rb, err := b.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, ra[0].Signature, rb[0].Signature)
}

func TestSignatureIgnoresRecomputedBestFlags(t *testing.T) {
	var body atomic.Value
	body.Store(bioTF)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(body.Load().(string))) })
	c := New([]Athlete{{ID: "1", Sports: []string{SportTF}}}, Options{BaseURL: srv.URL}, logx.Nop())

	before, err := c.Fetch(context.Background())
	require.NoError(t, err)
	body.Store(strings.Replace(bioTF, `"SeasonBest": true`, `"SeasonBest": false`, 1))
	after, err := c.Fetch(context.Background())
	require.NoError(t, err)

	require.True(t, before[0].Result.SR)
	require.False(t, after[0].Result.SR)
	require.Equal(t, before[0].Signature, after[0].Signature)

	body.Store(strings.Replace(bioTF, `"Place": 1`, `"Place": 2`, 1))
	corrected, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before[0].Signature, corrected[0].Signature)
}

func TestUnknownFlagValueReadsFalse(t *testing.T) {
	feed := strings.Replace(bioTF, `"PersonalBest": false`, `"PersonalBest": "Y"`, 1)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(feed)) })
	var logs bytes.Buffer
	c := New([]Athlete{{ID: "1", Sports: []string{SportTF}}}, Options{BaseURL: srv.URL}, logx.NewJSON(&logs, "debug"))

	recs, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.False(t, recs[0].Result.PR)
	require.True(t, recs[0].Result.SR)
	require.Contains(t, logs.String(), `"field":"PersonalBest"`)
	require.Contains(t, logs.String(), `"value":"\"Y\""`)
}

func TestFetchFailsWholeReadOnAnyError(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("athleteId") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(bioXC))
	})

	c := New([]Athlete{{ID: "1"}, {ID: "2"}}, Options{BaseURL: srv.URL}, logx.Nop())
	recs, err := c.Fetch(context.Background())
	require.Error(t, err)
	require.Nil(t, recs)
	require.Contains(t, err.Error(), "status 502")
	require.EqualValues(t, 2, calls.Load())
}

func TestFetchMalformedBody(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resultsXC": {"not": "a list"}}`))
	})
	c := New([]Athlete{{ID: "1"}}, Options{BaseURL: srv.URL}, logx.Nop())
	_, err := c.Fetch(context.Background())
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestFetchMissingSectionIsEmpty(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resultsXC": null}`))
	})
	c := New([]Athlete{{ID: "1"}}, Options{BaseURL: srv.URL}, logx.Nop())
	recs, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFetchRespectsContext(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	c := New([]Athlete{{ID: "1"}}, Options{BaseURL: srv.URL}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx)
	require.Error(t, err)
}

func TestUnsupportedSport(t *testing.T) {
	c := New([]Athlete{{ID: "1", Sports: []string{"swim"}}}, Options{BaseURL: "http://127.0.0.1:1"}, logx.Nop())
	_, err := c.Fetch(context.Background())
	require.ErrorContains(t, err, "unsupported sport")
}

func TestSetAthletesReplacesWatchList(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "777", r.URL.Query().Get("athleteId"))
		_, _ = w.Write([]byte(`{"resultsXC": []}`))
	})

	c := New([]Athlete{{ID: "1"}}, Options{BaseURL: srv.URL}, logx.Nop())
	c.SetAthletes([]Athlete{{ID: " 777 "}, {ID: ""}})
	require.Equal(t, []Athlete{{ID: "777", Sports: []string{SportXC}}}, c.Athletes())

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
}
