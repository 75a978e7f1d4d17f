// Package athleticnet reads athlete results from the athletic.net bio API.
package athleticnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"resultwatch/internal/results"
	logx "resultwatch/pkg/logx"
)

const (
	DefaultBaseURL        = "https://www.athletic.net/api/v1"
	DefaultRequestTimeout = 10 * time.Second
	defaultUserAgent      = "Mozilla/5.0 (compatible; resultwatch/1.0)"

	SportXC = "xc"
	SportTF = "tf"
)

var ErrMalformed = errors.New("athleticnet: malformed response")

type Athlete struct {
	ID     string
	Name   string
	Sports []string
}

type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
	HTTPClient     *http.Client
	Now            func() time.Time
}

// Client fetches every configured athlete and sport. Any failed request fails
// the whole fetch so a partial read is never diffed.
type Client struct {
	log      logx.Logger
	base     string
	ua       string
	http     *http.Client
	now      func() time.Time

	mu       sync.RWMutex
	athletes []Athlete
}

func New(athletes []Athlete, opts Options, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		log:      log.With(logx.Component("athleticnet")),
		base:     base,
		ua:       ua,
		http:     hc,
		now:      now,
		athletes: normalizeAthletes(athletes),
	}
}

func normalizeAthletes(in []Athlete) []Athlete {
	out := make([]Athlete, 0, len(in))
	for _, a := range in {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			continue
		}
		if len(a.Sports) == 0 {
			a.Sports = []string{SportXC}
		}
		sports := make([]string, 0, len(a.Sports))
		for _, s := range a.Sports {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				sports = append(sports, s)
			}
		}
		a.Sports = sports
		out = append(out, a)
	}
	return out
}

// SetAthletes replaces the watched athletes. A fetch in progress keeps the
// list it started with.
func (c *Client) SetAthletes(athletes []Athlete) {
	next := normalizeAthletes(athletes)
	c.mu.Lock()
	c.athletes = next
	c.mu.Unlock()
}

// Athletes returns a copy of the watched athletes.
func (c *Client) Athletes() []Athlete {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Athlete(nil), c.athletes...)
}

// Fetch implements results.Source.
func (c *Client) Fetch(ctx context.Context) ([]results.Record, error) {
	observed := c.now()
	var out []results.Record
	for _, a := range c.Athletes() {
		for _, sport := range a.Sports {
			rows, err := c.athleteResults(ctx, a.ID, sport)
			if err != nil {
				return nil, fmt.Errorf("athlete %s (%s): %w", a.ID, sport, err)
			}
			for _, row := range rows {
				rec := row.record(a, sport, observed)
				for field, fb := range map[string]flexBool{"PersonalBest": row.PersonalBest, "SeasonBest": row.SeasonBest} {
					if fb.unknown != "" {
						c.log.Debug("unrecognized flag value read as false",
							logx.String("id", rec.ID), logx.String("field", field), logx.String("value", fb.unknown))
					}
				}
				out = append(out, rec)
			}
			c.log.Debug("fetched athlete results",
				logx.String("athlete", a.ID),
				logx.String("sport", sport),
				logx.Int("results", len(rows)),
			)
		}
	}
	return out, nil
}

func (c *Client) athleteResults(ctx context.Context, athleteID, sport string) ([]apiResult, error) {
	key, err := resultsKey(sport)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("athleteId", athleteID)
	q.Set("sport", sport)
	q.Set("level", "0")
	endpoint := c.base + "/AthleteBio/GetAthleteBioData?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request bio data: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Debug("close bio response body", logx.Err(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request bio data: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bio body: %w", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, ok := payload[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var rows []apiResult
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return rows, nil
}

func resultsKey(sport string) (string, error) {
	switch sport {
	case SportXC:
		return "resultsXC", nil
	case SportTF:
		return "resultsTF", nil
	default:
		return "", fmt.Errorf("unsupported sport %q", sport)
	}
}

// apiResult is the subset of a bio result row the watcher cares about.
// The API mixes numbers and strings for ids and places.
type apiResult struct {
	MeetID       flexString `json:"MeetID"`
	IDResult     flexString `json:"IDResult"`
	Result       flexString `json:"Result"`
	Event        flexString `json:"Event"`
	Distance     flexString `json:"Distance"`
	MeetName     flexString `json:"MeetName"`
	MeetDate     flexString `json:"MeetDate"`
	Place        flexString `json:"Place"`
	PersonalBest flexBool   `json:"PersonalBest"`
	SeasonBest   flexBool   `json:"SeasonBest"`
}

// content is what the signature covers. Athlete display names are left out
// so renaming an athlete in config does not re-notify old results. PR and SR
// flags are left out too: they are recomputed on older rows whenever a new
// best is set.
type content struct {
	Mark     string `json:"mark"`
	Place    string `json:"place"`
	Event    string `json:"event"`
	MeetName string `json:"meet"`
	MeetDate string `json:"date"`
}

func (r apiResult) id(athleteID string) string {
	tail := string(r.IDResult)
	if tail == "" {
		tail = string(r.Result)
	}
	return athleteID + ":" + string(r.MeetID) + "_" + tail
}

func (r apiResult) record(a Athlete, sport string, observed time.Time) results.Record {
	event := string(r.Event)
	if event == "" && r.Distance != "" {
		event = string(r.Distance) + "m"
	}
	meet := string(r.MeetName)
	if meet == "" {
		meet = "Unknown Meet"
	}
	date := string(r.MeetDate)
	if len(date) > 10 {
		date = date[:10]
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}

	res := results.Result{
		AthleteID:   a.ID,
		AthleteName: name,
		Sport:       sport,
		Event:       event,
		Mark:        string(r.Result),
		Place:       string(r.Place),
		MeetName:    meet,
		MeetDate:    date,
		PR:          r.PersonalBest.v,
		SR:          r.SeasonBest.v,
	}
	sig := results.Sign(content{
		Mark:     res.Mark,
		Place:    res.Place,
		Event:    res.Event,
		MeetName: res.MeetName,
		MeetDate: res.MeetDate,
	})
	return results.Record{ID: r.id(a.ID), Signature: sig, ObservedAt: observed, Result: res}
}

type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexBool reads the API's mix of booleans, 0/1 and strings. Values it
// does not recognize read as false and are kept in unknown for logging.
type flexBool struct {
	v       bool
	unknown string
}

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*f = flexBool{}
	switch string(b) {
	case "", "null", "false", "0", `""`:
		return nil
	case "true", "1":
		f.v = true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if parsed, perr := strconv.ParseBool(strings.TrimSpace(s)); perr == nil {
			f.v = parsed
			return nil
		}
	}
	f.unknown = string(b)
	return nil
}
