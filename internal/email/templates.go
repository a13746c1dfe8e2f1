package email

import (
	"bytes"
	"fmt"
	"html/template"
)

// Notification is an admin notice about an agreement needing attention.
type Notification struct {
	Heading     string
	AgreementID string
	RequestID   string
	ActorID     string
	Lines       []string
}

var notificationTemplate = template.Must(template.New("notification").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h2>{{.Heading}}</h2>
<p>Agreement <code>{{.AgreementID}}</code> on request <code>{{.RequestID}}</code>{{if .ActorID}} by <code>{{.ActorID}}</code>{{end}}.</p>
{{if .Lines}}<ul>{{range .Lines}}<li>{{.}}</li>{{end}}</ul>{{end}}
</body></html>`))

// Render produces the subject and HTML body.
func (n Notification) Render() (string, string, error) {
	var buf bytes.Buffer
	if err := notificationTemplate.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("render notification: %w", err)
	}
	return fmt.Sprintf("[offers] %s", n.Heading), buf.String(), nil
}
