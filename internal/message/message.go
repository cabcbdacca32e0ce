// Package message builds the notification messages the workflow and the
// scanners send.
package message

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/notify"
)

var strict = bluemonday.StrictPolicy()

// PlainText strips markup from user-authored content and collapses
// whitespace, so rich post bodies read cleanly in e-mail and chat.
func PlainText(s string) string {
	clean := html.UnescapeString(strict.Sanitize(s))
	return strings.Join(strings.Fields(clean), " ")
}

// Excerpt shortens s to at most n runes, marking the cut.
func Excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

// Links builds absolute URLs into the web app.
type Links struct {
	BaseURL string
}

func (l Links) url(path string) string {
	return strings.TrimRight(l.BaseURL, "/") + path
}

func (l Links) Post(id uuid.UUID) string { return l.url("/posts/" + id.String()) }
func (l Links) Plan(id uuid.UUID) string { return l.url("/plans/" + id.String()) }
func (l Links) Accounts() string         { return l.url("/settings/accounts") }
func (l Links) Home() string             { return l.url("/") }
func (l Links) Compose() string          { return l.url("/posts/new") }
func (l Links) Calendar() string         { return l.url("/calendar") }

func (l Links) Subject(kind db.SubjectKind, id uuid.UUID) string {
	if kind == db.SubjectPlan {
		return l.Plan(id)
	}
	return l.Post(id)
}

// Reminder is sent ahead of a post's scheduled time.
func Reminder(p *db.Post, loc *time.Location, links Links) notify.Message {
	title := PlainText(p.DisplayTitle())
	when := p.ScheduledAt.In(loc).Format("Mon Jan 2, 15:04 MST")
	id := p.ID

	body := fmt.Sprintf("Your post %q is scheduled for %s.\n\n%s\n\nReview it: %s",
		title, when, Excerpt(PlainText(p.Body), 280), links.Post(p.ID))

	return notify.Message{
		Subject: fmt.Sprintf("Reminder: %q goes out %s", Excerpt(title, 60), when),
		Body:    body,
		TemplateData: map[string]string{
			"post_id":      p.ID.String(),
			"scheduled_at": p.ScheduledAt.UTC().Format(time.RFC3339),
		},
		ObjectID:   &id,
		ObjectType: "post",
	}
}

// ApprovalRequest asks an approver to review a post or plan.
func ApprovalRequest(t *db.ApprovalTarget, requester string, links Links) notify.Message {
	id := t.ID
	label := PlainText(t.Label)
	return notify.Message{
		Subject: fmt.Sprintf("%s requested your approval on %q", requester, Excerpt(label, 60)),
		Body: fmt.Sprintf("%s asked you to review the %s %q.\n\nOpen it: %s",
			requester, t.Kind, label, links.Subject(t.Kind, t.ID)),
		ObjectID:   &id,
		ObjectType: string(t.Kind),
	}
}

// ApprovalResult tells the creator how their approval request was decided.
func ApprovalResult(t *db.ApprovalTarget, status, notes, approver string, links Links) notify.Message {
	id := t.ID
	label := PlainText(t.Label)
	body := fmt.Sprintf("%s %s your %s %q.", approver, status, t.Kind, label)
	if notes = strings.TrimSpace(notes); notes != "" {
		body += "\n\nNotes: " + PlainText(notes)
	}
	body += "\n\nOpen it: " + links.Subject(t.Kind, t.ID)

	return notify.Message{
		Subject:    fmt.Sprintf("Your %s %q was %s", t.Kind, Excerpt(label, 60), status),
		Body:       body,
		ObjectID:   &id,
		ObjectType: string(t.Kind),
	}
}

// RelinkRequired tells an account owner that automatic renewal failed.
func RelinkRequired(a *db.ChannelAccount, links Links) notify.Message {
	id := a.ID
	name := a.Name
	if name == "" {
		name = a.ExternalID
	}
	return notify.Message{
		Subject: fmt.Sprintf("Reconnect your %s account %q", a.Provider, name),
		Body: fmt.Sprintf("We could not renew access to your %s account %q, so scheduled posts "+
			"to it are paused. Please reconnect it: %s", a.Provider, name, links.Accounts()),
		ObjectID:   &id,
		ObjectType: "channel_account",
	}
}
