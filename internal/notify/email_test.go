package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/pkg/types"
)

type captured struct {
	mu   sync.Mutex
	path string
	body string
}

func (c *captured) set(r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	if len(b) == 0 {
		_ = r.ParseMultipartForm(1 << 20)
		if r.MultipartForm != nil {
			vals, _ := json.Marshal(r.MultipartForm.Value)
			b = vals
		}
	}
	c.mu.Lock()
	c.path, c.body = r.URL.Path, string(b)
	c.mu.Unlock()
}

func TestNewEmailSender(t *testing.T) {
	s, err := NewEmailSender(EmailConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	_, err = NewEmailSender(EmailConfig{Provider: "mailgun"}, nil)
	assert.Error(t, err)

	_, err = NewEmailSender(EmailConfig{Provider: "sendgrid", From: "ops@example.com"}, nil)
	assert.Error(t, err)

	_, err = NewEmailSender(EmailConfig{Provider: "pigeon"}, nil)
	assert.Error(t, err)
}

func TestSendGridSender(t *testing.T) {
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.set(r)
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender, err := NewEmailSender(EmailConfig{
		Provider:         "sendgrid",
		From:             "dispatch@example.com",
		FromName:         "Dispatch",
		SendGridKey:      "SG.test",
		SendGridEndpoint: srv.URL + "/v3/mail/send",
	}, nil)
	require.NoError(t, err)

	id, err := sender.SendEmail(context.Background(), "agent@example.com", Message{Title: "New job", Body: "Go"})
	require.NoError(t, err)
	assert.Equal(t, "sg-123", id)
	assert.Equal(t, "/v3/mail/send", got.path)
	assert.Contains(t, got.body, "agent@example.com")
	assert.Contains(t, got.body, "New job")
}

func TestSendGridRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := &SendGridSender{cfg: EmailConfig{From: "d@example.com", SendGridKey: "k", SendGridEndpoint: srv.URL}}
	_, err := sender.SendEmail(context.Background(), "a@example.com", Message{Title: "x", Body: "y"})
	assert.Error(t, err)
}

func TestMailgunSender(t *testing.T) {
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.set(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"Queued. Thank you.","id":"<mg-1@mg.example.com>"}`))
	}))
	defer srv.Close()

	sender, err := NewEmailSender(EmailConfig{
		Provider:      "mailgun",
		From:          "dispatch@mg.example.com",
		MailgunDomain: "mg.example.com",
		MailgunKey:    "key-test",
		MailgunAPI:    srv.URL + "/v3",
	}, nil)
	require.NoError(t, err)

	id, err := sender.SendEmail(context.Background(), "agent@example.com", Message{Title: "New job", Body: "Go"})
	require.NoError(t, err)
	assert.Equal(t, "<mg-1@mg.example.com>", id)
	assert.Contains(t, got.path, "mg.example.com/messages")
}

type stubSender struct {
	to  string
	msg Message
}

func (s *stubSender) SendEmail(_ context.Context, to string, msg Message) (string, error) {
	s.to, s.msg = to, msg
	return "stub-1", nil
}

func TestEmailChannelRendersPayload(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	due := now.Add(6 * time.Hour)
	stub := &stubSender{}
	ch := NewEmailChannel(stub, func() time.Time { return now })

	p := payload(types.EventJobReminder, "agent-1")
	p.Job.SLADueAt = &due
	require.True(t, ch.Supports(p))
	require.NoError(t, ch.Send(context.Background(), p))

	assert.Equal(t, "agent-1@agents.example.com", stub.to)
	assert.Equal(t, "Reminder: job job-1 is due soon", stub.msg.Title)
	assert.Contains(t, stub.msg.Body, "6h 0m remaining")

	p.Recipient.Email = ""
	assert.False(t, ch.Supports(p))
}

func TestRenderEscalation(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	due := now.Add(-90 * time.Minute)
	p := payload(types.EventJobEscalation, "ops")
	p.Job.Status = types.StatusAccepted
	p.Job.SLADueAt = &due

	m := Render(p, now)
	assert.Equal(t, "Escalation: job job-1 missed its SLA", m.Title)
	assert.Contains(t, m.Body, "is ACCEPTED")
	assert.Contains(t, m.Body, "overdue by 1h 30m")
	assert.Equal(t, due.Format(time.RFC3339), m.Data["sla_due_at"])
}

func TestHTMLBodyEscapesUserText(t *testing.T) {
	got := htmlBody(Message{
		Title: "Job at 12 <b>Elm</b> St",
		Body:  `Gate code "4 & 2"; <script>alert(1)</script>`,
	})
	assert.NotContains(t, got, "<script>")
	assert.NotContains(t, got, "<b>")
	assert.Contains(t, got, "12 &lt;b&gt;Elm&lt;/b&gt; St")
	assert.Contains(t, got, "&#34;4 &amp; 2&#34;")
	assert.True(t, strings.HasPrefix(got, "<p><strong>"))
}
