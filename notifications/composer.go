package notifications

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	"civicsync-be/lifecycle"
	"civicsync-be/models"

	log "github.com/sirupsen/logrus"
)

// Message is a rendered, channel-agnostic notification.
type Message struct {
	Subject string
	Body    string
}

// Input is what a template can draw on besides the recipient.
type Input struct {
	Issue      *models.Issue
	Department *models.Department
	PrevStatus models.IssueStatus
	Notes      string
	Digest     *lifecycle.Digest
}

type templateData struct {
	Name            string
	Number          string
	Title           string
	Category        models.IssueCategory
	Status          models.IssueStatus
	PrevStatus      models.IssueStatus
	Department      string
	Notes           string
	EscalationLevel int
	SLADeadline     string
	Digest          *lifecycle.Digest
}

type pair struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"human": func(s models.IssueStatus) string { return strings.ReplaceAll(string(s), "_", " ") },
}

func mustPair(name, subject, body string) pair {
	return pair{
		subject: template.Must(template.New(name + ".subject").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New(name + ".body").Funcs(funcs).Parse(body)),
	}
}

var templates = map[lifecycle.EventType]pair{
	lifecycle.EventIssueCreated: mustPair("issue_created",
		`Issue {{.Number}} received`,
		`Hello {{.Name}},

Your report "{{.Title}}" ({{.Category}}) has been registered as {{.Number}}. We will let you know as it progresses.`),

	lifecycle.EventStatusChanged: mustPair("status_update",
		`Issue {{.Number}} is now {{human .Status}}`,
		`Hello {{.Name}},

The status of "{{.Title}}" ({{.Category}}) changed from {{human .PrevStatus}} to {{human .Status}}.
{{- if .Notes}}

Note: {{.Notes}}
{{- end}}`),

	lifecycle.EventAssigned: mustPair("issue_assigned",
		`Issue {{.Number}} assigned to {{.Department}}`,
		`Hello {{.Name}},

"{{.Title}}" ({{.Category}}) has been assigned to {{.Department}}.
{{- if .SLADeadline}}
Target resolution: {{.SLADeadline}}.
{{- end}}`),

	lifecycle.EventEscalated: mustPair("issue_escalated",
		`Issue {{.Number}} escalated to level {{.EscalationLevel}}`,
		`Hello {{.Name}},

"{{.Title}}" ({{.Category}}, currently {{human .Status}}) has been escalated to level {{.EscalationLevel}}.
{{- if .Notes}}

Reason: {{.Notes}}
{{- end}}`),

	lifecycle.EventSLABreached: mustPair("sla_breach",
		`SLA breached: {{.Number}}`,
		`Hello {{.Name}},

"{{.Title}}" ({{.Category}}){{if .Department}} handled by {{.Department}}{{end}} has passed its resolution deadline of {{.SLADeadline}} and is still {{human .Status}}.`),

	lifecycle.EventDailyDigest: mustPair("daily_digest",
		`Daily digest for {{.Department}}`,
		`Hello {{.Name}},

Open issues: {{.Digest.Open}}
Overdue: {{.Digest.Overdue}}
New in the last 24 hours:
{{- range $cat, $n := .Digest.NewByCat}}
  {{$cat}}: {{$n}}
{{- else}} none
{{- end}}`),
}

// Composer renders notification text per event type.
type Composer struct {
	templates map[lifecycle.EventType]pair
}

// NewComposer returns a Composer with the built-in templates.
func NewComposer() *Composer {
	return &Composer{templates: templates}
}

// Has reports whether event has a template.
func (c *Composer) Has(event lifecycle.EventType) bool {
	_, ok := c.templates[event]
	return ok
}

// Compose renders the message for event addressed to user. It returns false
// when there is nothing to send: the event has no template or the input
// lacks what the template needs.
func (c *Composer) Compose(event lifecycle.EventType, in Input, to models.User) (Message, bool) {
	p, ok := c.templates[event]
	if !ok {
		return Message{}, false
	}
	if event == lifecycle.EventDailyDigest {
		if in.Digest == nil {
			return Message{}, false
		}
	} else if in.Issue == nil {
		return Message{}, false
	}

	data := templateData{Name: to.Name, PrevStatus: in.PrevStatus, Notes: in.Notes, Digest: in.Digest}
	if data.Name == "" {
		data.Name = "there"
	}
	if in.Department != nil {
		data.Department = in.Department.Name
	} else if in.Digest != nil {
		data.Department = in.Digest.Department.Name
	}
	if i := in.Issue; i != nil {
		data.Number = i.Number
		data.Title = i.Title
		data.Category = i.Category
		data.Status = i.Status
		data.EscalationLevel = i.EscalationLevel
		if i.SLADeadline != nil {
			data.SLADeadline = i.SLADeadline.UTC().Format(time.RFC1123)
		}
	}

	var subject, body bytes.Buffer
	if err := p.subject.Execute(&subject, data); err != nil {
		log.WithError(err).WithField("event", event).Error("render subject")
		return Message{}, false
	}
	if err := p.body.Execute(&body, data); err != nil {
		log.WithError(err).WithField("event", event).Error("render body")
		return Message{}, false
	}
	return Message{Subject: subject.String(), Body: body.String()}, true
}
