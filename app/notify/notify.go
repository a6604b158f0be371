// Package notify delivers email notifications for failed and completed
// sync jobs.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/go-pkgz/notify"
)

// EmailParams configures the sender and the notification policy.
type EmailParams struct {
	Host         string
	Port         int
	TLS          bool
	SMTPUserName string
	SMTPPassword string
	TimeOut      time.Duration

	From         string
	To           []string
	OnError      bool
	OnCompletion bool
}

// Email sends job notifications over smtp.
type Email struct {
	EmailParams
	sender interface {
		Send(ctx context.Context, destination, text string) error
	}
}

// NewEmailClient creates an email notifier with the given params.
func NewEmailClient(p EmailParams) *Email {
	return &Email{
		EmailParams: p,
		sender: notify.NewEmail(notify.SMTPParams{
			Host:        p.Host,
			Port:        p.Port,
			TLS:         p.TLS,
			Username:    p.SMTPUserName,
			Password:    p.SMTPPassword,
			TimeOut:     p.TimeOut,
			ContentType: "text/html",
		}),
	}
}

// Send delivers the message with the given subject to all recipients.
func (e *Email) Send(ctx context.Context, subj, text string) error {
	dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s",
		strings.Join(e.To, ","), url.QueryEscape(e.From), url.QueryEscape(subj))
	if err := e.sender.Send(ctx, dest, text); err != nil {
		return fmt.Errorf("can't send email to %s: %w", strings.Join(e.To, ","), err)
	}
	return nil
}

// IsOnError reports if failed jobs should be notified about.
func (e *Email) IsOnError() bool { return e.OnError }

// IsOnCompletion reports if successful jobs should be notified about.
func (e *Email) IsOnCompletion() bool { return e.OnCompletion }

var errTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			ul { margin-top: -0.5em; margin-left: -0.5em; }
			pre { padding: 0.6em; font-size: 0.7em; background-color: #E8E2A0;
				font-family: "Menlo"; overflow-x: auto; white-space: pre-wrap; word-wrap: break-word; }
			.bold { color: #882828; font-weight: 900; }
		</style>
	</head>
	<body>
		<p>Sync job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Source: <span class="bold">{{.Source}}</span></li>
			<li>Type: <span class="bold">{{.Type}}</span></li>
		</ul>
		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`))

var completionTmpl = template.Must(template.New("completion").Parse(`<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body { font-family: "Arial"; font-size: 1.0em; }
			.bold { color: #2a6a2a; font-weight: 900; }
		</style>
	</head>
	<body>
		<p>Sync job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Source: <span class="bold">{{.Source}}</span></li>
			<li>Type: <span class="bold">{{.Type}}</span></li>
		</ul>
	</body>
</html>
`))

type tmplData struct {
	Source string
	Type   string
	TS     time.Time
	Error  string
	Host   string
}

// MakeErrorHTML renders the failure notification body.
func (e *Email) MakeErrorHTML(host, source, jobType, errorLog string) (string, error) {
	buf := bytes.Buffer{}
	data := tmplData{Source: source, Type: jobType, TS: time.Now(), Error: errorLog, Host: host}
	if err := errTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't execute error template: %w", err)
	}
	return buf.String(), nil
}

// MakeCompletionHTML renders the completion notification body.
func (e *Email) MakeCompletionHTML(host, source, jobType string) (string, error) {
	buf := bytes.Buffer{}
	data := tmplData{Source: source, Type: jobType, TS: time.Now(), Host: host}
	if err := completionTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't execute completion template: %w", err)
	}
	return buf.String(), nil
}
