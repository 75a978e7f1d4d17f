package notifier

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"resultwatch/internal/results"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("mail").ParseFS(templateFS, "templates/*.html"))

const testSubject = "🧪 Test Email from resultwatch"

// Subject is the per-result subject line.
func Subject(r results.Result) string {
	s := fmt.Sprintf("🏃 %s: %s in %s", r.AthleteName, r.Mark, r.Event)
	if r.PR {
		s += " - PR!"
	}
	return s
}

func DigestSubject(recs []results.Record) string {
	if len(recs) == 1 {
		return Subject(recs[0].Result)
	}
	prs := 0
	for _, r := range recs {
		if r.Result.PR {
			prs++
		}
	}
	s := fmt.Sprintf("🏃 %d new results", len(recs))
	if prs > 0 {
		s += fmt.Sprintf(" (%d PR)", prs)
	}
	return s
}

func renderResult(r results.Record) (string, error) {
	return execute("result.html", r.Result)
}

func renderDigest(recs []results.Record) (string, error) {
	rows := make([]results.Result, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, r.Result)
	}
	return execute("digest.html", rows)
}

func renderTest() (string, error) {
	return execute("test.html", nil)
}

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
