package synctest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/dispatch"
	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
)

// Messages builds n distinct remote messages msg-1..msg-n.
func Messages(n int) []*mirror.Item {
	items := make([]*mirror.Item, n)
	for i := range items {
		id := "msg-" + strconv.Itoa(i+1)
		items[i] = &mirror.Item{
			ProviderItemID: id,
			Kind:           mirror.KindMessage,
			ThreadID:       "thread-" + id,
			Subject:        "Subject " + id,
			From:           "sender@example.com",
			Labels:         []string{"INBOX"},
			ReceivedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		}
	}
	return items
}

// Gateway is a provider.Gateway serving a fixed remote mailbox in pages with
// cursors of the form "offset:N". Function fields override the defaults.
type Gateway struct {
	mu sync.Mutex
	// Mailbox is the remote item set served by ListMessagesPage.
	Mailbox []*mirror.Item
	// OnList runs before each ListMessagesPage call.
	OnList func(cursor string)
	// ListErrs are returned, in order, by the first ListMessagesPage calls.
	ListErrs []error

	ListFunc       func(ctx context.Context, accessToken, cursor string, pageSize int) (*provider.Page, error)
	RegisterFunc   func(ctx context.Context, accessToken string, target provider.WebhookTarget) (string, error)
	DeregisterFunc func(ctx context.Context, accessToken, webhookID string) error
	RefreshFunc    func(ctx context.Context, refreshToken string) (*provider.Token, error)

	Cursors      []string
	AccessTokens []string
	Registered   []provider.WebhookTarget
	Deregistered []string
	Refreshed    []string
}

func (g *Gateway) ListMessagesPage(ctx context.Context, accessToken, cursor string, pageSize int) (*provider.Page, error) {
	g.mu.Lock()
	g.Cursors = append(g.Cursors, cursor)
	g.AccessTokens = append(g.AccessTokens, accessToken)
	var scripted error
	if len(g.ListErrs) > 0 {
		scripted, g.ListErrs = g.ListErrs[0], g.ListErrs[1:]
	}
	onList := g.OnList
	g.mu.Unlock()

	if onList != nil {
		onList(cursor)
	}
	if scripted != nil {
		return nil, scripted
	}
	if g.ListFunc != nil {
		return g.ListFunc(ctx, accessToken, cursor, pageSize)
	}
	return g.page(cursor, pageSize)
}

func (g *Gateway) page(cursor string, pageSize int) (*provider.Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, "offset:"))
		if err != nil || !strings.HasPrefix(cursor, "offset:") {
			return nil, fmt.Errorf("%w: %q", provider.ErrInvalidCursor, cursor)
		}
		offset = n
	}
	end := min(offset+pageSize, len(g.Mailbox))
	offset = min(offset, end)

	page := &provider.Page{
		NextCursor:    "offset:" + strconv.Itoa(end),
		HasMore:       end < len(g.Mailbox),
		TotalEstimate: int64(len(g.Mailbox)),
	}
	for _, item := range g.Mailbox[offset:end] {
		copied := *item
		page.Items = append(page.Items, &copied)
	}
	return page, nil
}

func (g *Gateway) RegisterWebhook(ctx context.Context, accessToken string, target provider.WebhookTarget) (string, error) {
	g.mu.Lock()
	g.Registered = append(g.Registered, target)
	g.mu.Unlock()
	if g.RegisterFunc != nil {
		return g.RegisterFunc(ctx, accessToken, target)
	}
	return "webhook-1", nil
}

func (g *Gateway) DeregisterWebhook(ctx context.Context, accessToken, webhookID string) error {
	g.mu.Lock()
	g.Deregistered = append(g.Deregistered, webhookID)
	g.mu.Unlock()
	if g.DeregisterFunc != nil {
		return g.DeregisterFunc(ctx, accessToken, webhookID)
	}
	return nil
}

func (g *Gateway) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	g.mu.Lock()
	g.Refreshed = append(g.Refreshed, refreshToken)
	g.mu.Unlock()
	if g.RefreshFunc != nil {
		return g.RefreshFunc(ctx, refreshToken)
	}
	return &provider.Token{AccessToken: "access-for-" + refreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// Dispatcher records dispatched ticks.
type Dispatcher struct {
	mu   sync.Mutex
	msgs []dispatch.TickMessage
	// Err, when set, fails every dispatch.
	Err error
}

func (d *Dispatcher) DispatchTick(ctx context.Context, msg dispatch.TickMessage) error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

// Messages returns the dispatched ticks in order.
func (d *Dispatcher) Messages() []dispatch.TickMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.TickMessage(nil), d.msgs...)
}

// Pop removes and returns the oldest dispatched tick.
func (d *Dispatcher) Pop() (dispatch.TickMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) == 0 {
		return dispatch.TickMessage{}, false
	}
	msg := d.msgs[0]
	d.msgs = d.msgs[1:]
	return msg, true
}
