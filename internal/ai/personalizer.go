package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const personalizePrompt = `You rewrite short lifecycle e-mails for a social media scheduling product.
Keep the meaning, the call to action and every link of the draft unchanged.
Use the facts about the reader to make it feel written for them.
Return ONLY the e-mail body as plain text, under 180 words, no subject line.`

// Personalizer rewrites a drafted drip e-mail around the reader's profile.
type Personalizer struct {
	client  *Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewPersonalizer creates a personalizer. Each call is bounded by timeout.
func NewPersonalizer(client *Client, timeout time.Duration, logger *zap.Logger) *Personalizer {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Personalizer{client: client, timeout: timeout, logger: logger}
}

// Personalize returns the rewritten body. Callers fall back to the draft on
// error.
func (p *Personalizer) Personalize(ctx context.Context, subject, draft string, facts map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\nReader:\n", subject)
	for _, k := range keys {
		if facts[k] != "" {
			fmt.Fprintf(&b, "- %s: %s\n", k, facts[k])
		}
	}
	fmt.Fprintf(&b, "\nDraft:\n%s\n", draft)

	body, err := p.client.GenerateText(ctx, personalizePrompt, b.String())
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("empty completion")
	}
	return body, nil
}
