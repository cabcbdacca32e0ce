package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/db"
)

// GraphConfig configures the Graph API token exchange.
type GraphConfig struct {
	Provider  string // provider name stored on channel accounts
	BaseURL   string // e.g. https://graph.facebook.com/v19.0
	AppID     string
	AppSecret string
	Timeout   time.Duration
}

// GraphRefresher extends long-lived Graph API tokens with the
// fb_exchange_token grant and re-reads /me to confirm the link.
type GraphRefresher struct {
	cfg    GraphConfig
	client *http.Client
	now    func() time.Time
	logger *zap.Logger
}

// NewGraphRefresher creates a refresher
func NewGraphRefresher(cfg GraphConfig, logger *zap.Logger) *GraphRefresher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "facebook"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GraphRefresher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger,
	}
}

func (g *GraphRefresher) Provider() string { return g.cfg.Provider }

type graphError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Refresh exchanges the current token for a new long-lived one. The refresh
// token is used as the exchange input when the account has one.
func (g *GraphRefresher) Refresh(ctx context.Context, account *db.ChannelAccount) (Token, error) {
	const op = "graph refresh"

	current := account.AccessToken
	if account.RefreshToken != nil && *account.RefreshToken != "" {
		current = *account.RefreshToken
	}
	if current == "" {
		return Token{}, apperr.New(apperr.KindValidation, op, "account has no token to exchange")
	}

	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", g.cfg.AppID)
	q.Set("client_secret", g.cfg.AppSecret)
	q.Set("fb_exchange_token", current)

	var out exchangeResponse
	if err := g.get(ctx, op, "/oauth/access_token", q, &out); err != nil {
		return Token{}, err
	}
	if out.AccessToken == "" {
		return Token{}, apperr.New(apperr.KindTransport, op, "exchange returned no access token")
	}

	tok := Token{AccessToken: out.AccessToken}
	if out.ExpiresIn > 0 {
		exp := g.now().Add(time.Duration(out.ExpiresIn) * time.Second)
		tok.Expiry = &exp
	}
	g.logger.Debug("graph token exchanged",
		zap.String("account_id", account.ID.String()),
		zap.Int64("expires_in", out.ExpiresIn),
	)
	return tok, nil
}

// Verify fetches the identity behind token and checks it is still the
// linked account.
func (g *GraphRefresher) Verify(ctx context.Context, account *db.ChannelAccount, token Token) error {
	const op = "graph verify"

	q := url.Values{}
	q.Set("fields", "id,name")
	q.Set("access_token", token.AccessToken)

	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := g.get(ctx, op, "/me", q, &me); err != nil {
		return err
	}
	if account.ExternalID != "" && me.ID != account.ExternalID {
		return apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("token belongs to %s, account is linked to %s", me.ID, account.ExternalID))
	}
	return nil
}

func (g *GraphRefresher) get(ctx context.Context, op, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error != nil {
			return apperr.Wrap(apperr.KindTransport, op,
				fmt.Errorf("graph error %d (%s): %s", ge.Error.Code, ge.Error.Type, ge.Error.Message))
		}
		return apperr.Wrap(apperr.KindTransport, op, fmt.Errorf("graph returned %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindTransport, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
