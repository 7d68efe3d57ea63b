package report

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/haatos/patchtest/internal/service"
	"github.com/haatos/patchtest/internal/store"
)

type MailConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
	// OnlyProblems skips passing runs.
	OnlyProblems bool
}

var mailBody = template.Must(template.New("mail").Parse(`{{if .PatchName}}Patch: {{.PatchName}}
URL: {{.PatchURL}}
Source: {{.Source}}
{{else}}Baseline probe
{{end}}Repository: {{.RepoURL}} {{.Ref}}
Commit: {{.CommitID}}
Result: {{.State}} (attempt {{.Attempt}})
{{if .ResultURL}}Details: {{.ResultURL}}
{{end}}{{if .Error}}Error: {{.Error}}
{{end}}`))

// MailSink mails a short report of every outcome.
type MailSink struct {
	cfg      MailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailSink(cfg MailConfig) *MailSink {
	return &MailSink{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *MailSink) Deliver(ctx context.Context, o service.Outcome) error {
	if len(s.cfg.To) == 0 {
		return nil
	}
	if s.cfg.OnlyProblems && o.Run.State == store.StatePassed {
		return nil
	}
	msg, err := s.compose(o)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host, _, err := net.SplitHostPort(s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("invalid smtp address %q: %w", s.cfg.Addr, err)
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.cfg.Addr, auth, s.cfg.From, s.cfg.To, msg)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mailing test run %d: %w", o.Run.TestRunID, err)
		}
		return nil
	}
}

func (s *MailSink) compose(o service.Outcome) ([]byte, error) {
	m := NewMessage(o)
	subject := fmt.Sprintf("[patchtest] %s: baseline %s", strings.ToUpper(m.State), m.Ref)
	if m.PatchName != "" {
		subject = fmt.Sprintf("[patchtest] %s: %s", strings.ToUpper(m.State), m.PatchName)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	if err := mailBody.Execute(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
