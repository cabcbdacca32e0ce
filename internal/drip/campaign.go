// Package drip defines the time-based e-mail campaigns (re-engagement and
// onboarding) and renders their messages.
package drip

import (
	"text/template"
	"time"

	"github.com/lalithlochan/postflow/internal/db"
)

// Step is one bucket of a campaign: the message sent Days after the
// reference timestamp.
type Step struct {
	Key     db.CampaignKey
	Subject string
	Body    *template.Template
}

// Days is the elapsed-day count the step fires on.
func (s Step) Days() int { return s.Key.Days() }

// Campaign is a named set of steps measured from one user timestamp and
// tracked in one sent-set column.
type Campaign struct {
	Name      string
	Reference db.DripReference
	Field     db.SentField
	Steps     []Step
}

// DayWindow returns the local calendar day that lies days before now:
// [startOfDay(today-days), startOfDay(today-days+1)). Day arithmetic goes
// through time.Date so DST transitions keep whole calendar days.
func DayWindow(now time.Time, loc *time.Location, days int) (time.Time, time.Time) {
	local := now.In(loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d-days, 0, 0, 0, 0, loc)
	end := time.Date(y, m, d-days+1, 0, 0, 0, 0, loc)
	return start, end
}

func step(key db.CampaignKey, subject, body string) Step {
	return Step{
		Key:     key,
		Subject: subject,
		Body:    template.Must(template.New(string(key)).Option("missingkey=zero").Parse(body)),
	}
}

// Reengagement reaches users 3, 7 and 21 days after their last activity.
func Reengagement() Campaign {
	return Campaign{
		Name:      "reengagement",
		Reference: db.ReferenceLastActive,
		Field:     db.SentFieldReengagement,
		Steps: []Step{
			step(db.ReengageDay3, "Your audience misses you", `Hi {{.FirstName}},

It has been {{.Days}} days since you last scheduled anything. A quick post keeps your pages active{{if .Topics}}, and {{.Topics}} is always a good place to start{{end}}.

Write one now: {{.ComposeURL}}
`),
			step(db.ReengageDay7, "A week without posts", `Hi {{.FirstName}},

Your calendar has been quiet for a week.{{if .Cadence}} You told us you like to post {{.Cadence}}; a few minutes today gets you back on track.{{end}}

Open your calendar: {{.CalendarURL}}
`),
			step(db.ReengageDay21, "Still planning to post?", `Hi {{.FirstName}},

It has been three weeks. Your linked accounts and drafts are still here whenever you want to pick things up again.

Jump back in: {{.HomeURL}}
`),
		},
	}
}

// Onboarding walks new users through setup 1, 3 and 7 days after signup.
func Onboarding() Campaign {
	return Campaign{
		Name:      "onboarding",
		Reference: db.ReferenceSignup,
		Field:     db.SentFieldOnboarding,
		Steps: []Step{
			step(db.OnboardingDay1, "Link your first account", `Hi {{.FirstName}},

Welcome aboard. Start by linking the page you want to post to, then everything else takes a minute.

Link an account: {{.AccountsURL}}
`),
			step(db.OnboardingDay3, "Schedule your first post", `Hi {{.FirstName}},

Pick a time, write a line{{if .Topics}} about {{.Topics}}{{end}}, and we publish it for you. You can ask a teammate to approve it first.

Schedule a post: {{.ComposeURL}}
`),
			step(db.OnboardingDay7, "Plan a whole week at once", `Hi {{.FirstName}},

Plans let you draft a week of posts, get one approval, and publish them together.

Start a plan: {{.CalendarURL}}
`),
		},
	}
}
