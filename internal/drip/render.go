package drip

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/message"
	"github.com/lalithlochan/postflow/internal/notify"
)

// Personalizer rewrites a drafted body for one reader.
type Personalizer interface {
	Personalize(ctx context.Context, subject, draft string, facts map[string]string) (string, error)
}

type templateData struct {
	FirstName   string
	Days        int
	Topics      string
	Cadence     string
	HomeURL     string
	ComposeURL  string
	CalendarURL string
	AccountsURL string
}

// Renderer turns a campaign step into an e-mail.
type Renderer struct {
	links        message.Links
	personalizer Personalizer
	logger       *zap.Logger
}

// NewRenderer creates a renderer. personalizer may be nil.
func NewRenderer(links message.Links, personalizer Personalizer, logger *zap.Logger) *Renderer {
	return &Renderer{links: links, personalizer: personalizer, logger: logger}
}

// Render executes the step template for the user. When a personalizer is
// set its output replaces the body; on any personalizer error the static
// rendering is used.
func (r *Renderer) Render(ctx context.Context, c Campaign, s Step, u *db.User, pref *db.UserPreference) (notify.Message, error) {
	data := templateData{
		FirstName:   u.FirstName(),
		Days:        s.Days(),
		HomeURL:     r.links.Home(),
		ComposeURL:  r.links.Compose(),
		CalendarURL: r.links.Calendar(),
		AccountsURL: r.links.Accounts(),
	}
	if pref != nil {
		data.Topics = strings.Join(pref.Topics, ", ")
		data.Cadence = pref.PostingCadence
	}

	var b strings.Builder
	if err := s.Body.Execute(&b, data); err != nil {
		return notify.Message{}, fmt.Errorf("render %s/%s: %w", c.Name, s.Key, err)
	}
	body := b.String()

	if r.personalizer != nil {
		facts := map[string]string{
			"name":            u.Name,
			"topics":          data.Topics,
			"posting cadence": data.Cadence,
			"days away":       strconv.Itoa(s.Days()),
		}
		tailored, err := r.personalizer.Personalize(ctx, s.Subject, body, facts)
		if err != nil {
			r.logger.Warn("personalization failed, using static body",
				zap.String("campaign", c.Name),
				zap.String("key", string(s.Key)),
				zap.String("user_id", u.ID.String()),
				zap.Error(err),
			)
		} else {
			body = tailored
		}
	}

	return notify.Message{
		Subject: s.Subject,
		Body:    body,
		TemplateData: map[string]string{
			"campaign": c.Name,
			"key":      string(s.Key),
		},
	}, nil
}
