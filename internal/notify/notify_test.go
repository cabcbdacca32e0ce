package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/db"
)

// recordingSender captures sends and optionally fails.
type recordingSender struct {
	mu      sync.Mutex
	channel Channel
	err     error
	sent    []string
}

func (s *recordingSender) Channel() Channel { return s.channel }

func (s *recordingSender) Send(ctx context.Context, dest string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, dest)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type mockSES struct {
	input *ses.SendEmailInput
	err   error
}

func (m *mockSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type mockSNS struct {
	input *sns.PublishInput
}

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.input = in
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

type mockBot struct {
	chat *tele.Chat
	text string
}

func (m *mockBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	m.chat = to.(*tele.Chat)
	m.text = what.(string)
	return &tele.Message{ID: 7}, nil
}

func TestRouter_RoutesByChannel(t *testing.T) {
	email := &recordingSender{channel: ChannelEmail}
	sms := &recordingSender{channel: ChannelSMS}
	router := NewRouter(zap.NewNop(), email, sms)

	if err := router.Send(context.Background(), ChannelEmail, "a@example.com", Message{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.count() != 1 || sms.count() != 0 {
		t.Fatalf("email=%d sms=%d, want 1/0", email.count(), sms.count())
	}

	err := router.Send(context.Background(), ChannelPush, "arn", Message{})
	if !errors.Is(err, ErrNoSender) {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}

	if got := router.Channels(); len(got) != 2 || got[0] != ChannelEmail || got[1] != ChannelSMS {
		t.Errorf("channels = %v", got)
	}
}

func TestRouter_WrapsTransportErrors(t *testing.T) {
	failing := &recordingSender{channel: ChannelEmail, err: errors.New("smtp down")}
	router := NewRouter(zap.NewNop(), failing)

	err := router.Send(context.Background(), ChannelEmail, "a@example.com", Message{})
	if !apperr.Is(err, apperr.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSESSender_BuildsTextAndHTML(t *testing.T) {
	client := &mockSES{}
	s := NewSESSenderWithClient(client, "noreply@example.com", zap.NewNop())

	err := s.Send(context.Background(), "user@example.com", Message{Subject: "Hi", Body: "plain", HTML: "<p>rich</p>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.input.Destination.ToAddresses[0]; got != "user@example.com" {
		t.Errorf("to = %s", got)
	}
	if aws.ToString(client.input.Message.Body.Text.Data) != "plain" {
		t.Error("text body not set")
	}
	if aws.ToString(client.input.Message.Body.Html.Data) != "<p>rich</p>" {
		t.Error("html body not set")
	}
}

func TestSESSender_Validation(t *testing.T) {
	s := NewSESSenderWithClient(&mockSES{}, "noreply@example.com", zap.NewNop())

	tests := []struct {
		name string
		to   string
		msg  Message
	}{
		{"no_destination", "", Message{Subject: "s", Body: "b"}},
		{"no_subject", "a@example.com", Message{Body: "b"}},
		{"no_body", "a@example.com", Message{Subject: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Send(context.Background(), tt.to, tt.msg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSMSSender_PublishesToPhone(t *testing.T) {
	client := &mockSNS{}
	s := NewSMSSender(client, zap.NewNop())

	if err := s.Send(context.Background(), "+15551234567", Message{Subject: "Reminder", Body: "soon"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(client.input.PhoneNumber) != "+15551234567" {
		t.Errorf("phone = %s", aws.ToString(client.input.PhoneNumber))
	}
	if aws.ToString(client.input.Message) != "Reminder\n\nsoon" {
		t.Errorf("message = %q", aws.ToString(client.input.Message))
	}
}

func TestPushSender_JSONStructure(t *testing.T) {
	client := &mockSNS{}
	s := NewPushSender(client, zap.NewNop())

	if err := s.Send(context.Background(), "arn:aws:sns:endpoint/1", Message{Subject: "T", Body: "B"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(client.input.MessageStructure) != "json" {
		t.Error("expected json message structure")
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(client.input.Message)), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	for _, k := range []string{"default", "APNS", "GCM"} {
		if payload[k] == "" {
			t.Errorf("missing %s payload", k)
		}
	}
}

func TestTelegramSender_SendsToChat(t *testing.T) {
	bot := &mockBot{}
	s := NewTelegramSenderWithBot(bot, 100, zap.NewNop())

	if err := s.Send(context.Background(), "4242", Message{Subject: "S", Body: "B"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bot.chat.ID != 4242 {
		t.Errorf("chat id = %d", bot.chat.ID)
	}
	if bot.text != "S\n\nB" {
		t.Errorf("text = %q", bot.text)
	}

	if err := s.Send(context.Background(), "not-a-number", Message{Body: "x"}); err == nil {
		t.Error("expected error for bad chat id")
	}
}

type memNotifications struct {
	rows []*db.Notification
}

func (m *memNotifications) CreateNotification(ctx context.Context, n *db.Notification) error {
	n.ID = uuid.New()
	m.rows = append(m.rows, n)
	return nil
}

func TestInAppSender_RecordsNotification(t *testing.T) {
	store := &memNotifications{}
	s := NewInAppSender(store, zap.NewNop())
	userID := uuid.New()
	postID := uuid.New()

	err := s.Send(context.Background(), userID.String(), Message{Subject: "Approval requested", ObjectID: &postID, ObjectType: "post"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(store.rows))
	}
	row := store.rows[0]
	if row.UserID != userID || row.ObjectType != "post" || *row.ObjectID != postID {
		t.Errorf("unexpected row: %+v", row)
	}
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func TestThrottledSender(t *testing.T) {
	tests := []struct {
		name     string
		limiter  *fakeLimiter
		wantErr  error
		wantSent int
	}{
		{"allowed", &fakeLimiter{allow: true}, nil, 1},
		{"throttled", &fakeLimiter{allow: false}, ErrThrottled, 0},
		{"limiter_down_fails_open", &fakeLimiter{err: errors.New("redis down")}, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &recordingSender{channel: ChannelSMS}
			s := NewThrottledSender(inner, tt.limiter, zap.NewNop())

			err := s.Send(context.Background(), "+1555", Message{Body: "x"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if inner.count() != tt.wantSent {
				t.Errorf("sent = %d, want %d", inner.count(), tt.wantSent)
			}
			if tt.limiter.keys[0] != "sms:+1555" {
				t.Errorf("key = %s", tt.limiter.keys[0])
			}
		})
	}
}

func TestThrottledSender_ExemptContext(t *testing.T) {
	inner := &recordingSender{channel: ChannelEmail}
	limiter := &fakeLimiter{allow: false}
	s := NewThrottledSender(inner, limiter, zap.NewNop())

	if err := s.Send(WithoutThrottle(context.Background()), "a@example.com", Message{Body: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.count() != 1 {
		t.Errorf("sent = %d, want 1", inner.count())
	}
	if len(limiter.keys) != 0 {
		t.Errorf("exempt send should not spend budget, keys = %v", limiter.keys)
	}
}
