package mailx

import (
	"html/template"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SweepRow is one account's line in the sweep report.
type SweepRow struct {
	EmailPrefix string
	Before      int
	After       int
	Kicked      int
	Detail      []string
	Status      string
}

// SweepReport aggregates one sweep run for the operator mail.
type SweepReport struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	WindowDays  int
	Scanned     int
	TotalKicked int
	Rows        []SweepRow
	Failures    []string
}

// Subject renders the report mail subject line.
func (r SweepReport) Subject() string {
	var b strings.Builder
	b.WriteString("Capacity sweep report: ")
	if r.TotalKicked > 0 {
		b.WriteString("evicted ")
		b.WriteString(strconv.Itoa(r.TotalKicked))
		b.WriteString(" across ")
	} else {
		b.WriteString("no evictions across ")
	}
	b.WriteString(strconv.Itoa(r.Scanned))
	b.WriteString(" accounts")
	if len(r.Failures) > 0 {
		b.WriteString(" (")
		b.WriteString(strconv.Itoa(len(r.Failures)))
		b.WriteString(" failed)")
	}
	return b.String()
}

var reportTmpl = template.Must(template.New("sweep").Parse(`<html><body>
<h3>Capacity sweep</h3>
<p>Started {{.StartedAt.Format "2006-01-02 15:04:05 MST"}},
finished {{.FinishedAt.Format "15:04:05 MST"}}.
Scanned {{.Scanned}} accounts{{if .WindowDays}} (created within {{.WindowDays}} days){{end}},
evicted {{.TotalKicked}} members.</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Account</th><th>Before</th><th>After</th><th>Kicked</th><th>Status</th><th>Detail</th></tr>
{{range .Rows}}<tr>
<td>{{.EmailPrefix}}</td><td>{{.Before}}</td><td>{{.After}}</td>
<td>{{.Kicked}}</td><td>{{.Status}}</td>
<td>{{range .Detail}}{{.}}<br>{{end}}</td>
</tr>
{{end}}</table>
{{if .Failures}}<h4>Failures</h4><ul>{{range .Failures}}<li>{{.}}</li>{{end}}</ul>{{end}}
</body></html>`))

// HTML renders the report body. Rows are sorted by account email prefix so
// runs are comparable mail to mail.
func (r SweepReport) HTML() string {
	rows := make([]SweepRow, len(r.Rows))
	copy(rows, r.Rows)
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].EmailPrefix < rows[j].EmailPrefix
	})

	sorted := r
	sorted.Rows = rows

	var b strings.Builder
	if err := reportTmpl.Execute(&b, sorted); err != nil {
		return "<html><body>report rendering failed</body></html>"
	}
	return b.String()
}
