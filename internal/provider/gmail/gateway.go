// Package gmail implements the provider gateway against the Gmail API.
package gmail

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
)

const defaultTokenLifetime = time.Hour

// Config configures the Gmail gateway.
type Config struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides Google's OAuth token endpoint.
	TokenURL string
	// Endpoint overrides the Gmail API base URL.
	Endpoint string
	// UserID defaults to "me".
	UserID string
}

// Gateway is a provider.Gateway backed by the Gmail API.
type Gateway struct {
	oauth    *oauth2.Config
	base     http.RoundTripper
	endpoint string
	userID   string
	now      func() time.Time
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}
	return &Gateway{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		base:     otelhttp.NewTransport(http.DefaultTransport),
		endpoint: cfg.Endpoint,
		userID:   userID,
		now:      time.Now,
	}
}

// service builds a Gmail client that presents accessToken as-is. An expired
// token surfaces as an auth error rather than being refreshed here.
func (g *Gateway) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   g.base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListMessagesPage returns the next page for cursor. An empty cursor starts
// a full listing; once the listing is exhausted the cursor moves to the
// history watermark taken when it began.
func (g *Gateway) ListMessagesPage(ctx context.Context, accessToken, cur string, pageSize int) (*provider.Page, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if cur == "" {
		profile, err := svc.Users.GetProfile(g.userID).Context(ctx).Do()
		if err != nil {
			return nil, wrapError("users.getProfile", err)
		}
		page, err := g.backfillPage(ctx, svc, cursor{phase: phaseBackfill, historyID: profile.HistoryId}, pageSize)
		if err != nil {
			return nil, err
		}
		page.TotalEstimate = profile.MessagesTotal
		return page, nil
	}

	c, err := parseCursor(cur)
	if err != nil {
		return nil, err
	}
	if c.phase == phaseBackfill {
		return g.backfillPage(ctx, svc, c, pageSize)
	}
	return g.historyPage(ctx, svc, c, pageSize)
}

func (g *Gateway) backfillPage(ctx context.Context, svc *gmailapi.Service, c cursor, pageSize int) (*provider.Page, error) {
	call := svc.Users.Messages.List(g.userID).IncludeSpamTrash(false).MaxResults(int64(pageSize)).Context(ctx)
	if c.pageToken != "" {
		call = call.PageToken(c.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, wrapError("messages.list", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	items, err := g.fetchItems(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	page := &provider.Page{Items: items}
	if resp.NextPageToken != "" {
		page.NextCursor = cursor{phase: phaseBackfill, historyID: c.historyID, pageToken: resp.NextPageToken}.String()
		page.HasMore = true
	} else {
		page.NextCursor = cursor{phase: phaseHistory, historyID: c.historyID}.String()
	}
	return page, nil
}

func (g *Gateway) historyPage(ctx context.Context, svc *gmailapi.Service, c cursor, pageSize int) (*provider.Page, error) {
	call := svc.Users.History.List(g.userID).StartHistoryId(c.historyID).MaxResults(int64(pageSize)).Context(ctx)
	if c.pageToken != "" {
		call = call.PageToken(c.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: gmail history %d is no longer available", provider.ErrInvalidCursor, c.historyID)
		}
		return nil, wrapError("history.list", err)
	}

	var changed []string
	seen := make(map[string]bool)
	deleted := make(map[string]bool)
	note := func(id string) {
		if !seen[id] {
			seen[id] = true
			changed = append(changed, id)
		}
	}
	for _, h := range resp.History {
		for _, r := range h.MessagesAdded {
			note(r.Message.Id)
		}
		for _, r := range h.LabelsAdded {
			note(r.Message.Id)
		}
		for _, r := range h.LabelsRemoved {
			note(r.Message.Id)
		}
		for _, r := range h.MessagesDeleted {
			note(r.Message.Id)
			deleted[r.Message.Id] = true
		}
	}

	var live []string
	var items []*mirror.Item
	for _, id := range changed {
		if deleted[id] {
			items = append(items, tombstone(id))
		} else {
			live = append(live, id)
		}
	}
	fetched, err := g.fetchItems(ctx, svc, live)
	if err != nil {
		return nil, err
	}
	items = append(items, fetched...)

	page := &provider.Page{Items: items}
	if resp.NextPageToken != "" {
		page.NextCursor = cursor{phase: phaseHistory, historyID: c.historyID, pageToken: resp.NextPageToken}.String()
		page.HasMore = true
	} else {
		next := resp.HistoryId
		if next == 0 {
			next = c.historyID
		}
		page.NextCursor = cursor{phase: phaseHistory, historyID: next}.String()
	}
	return page, nil
}

// fetchItems loads message metadata. A message that disappeared since it was
// listed becomes a tombstone.
func (g *Gateway) fetchItems(ctx context.Context, svc *gmailapi.Service, ids []string) ([]*mirror.Item, error) {
	items := make([]*mirror.Item, 0, len(ids))
	for _, id := range ids {
		m, err := svc.Users.Messages.Get(g.userID, id).
			Format("metadata").
			MetadataHeaders("Subject", "From").
			Context(ctx).
			Do()
		if err != nil {
			if isNotFound(err) {
				items = append(items, tombstone(id))
				continue
			}
			return nil, wrapError("messages.get", err)
		}
		items = append(items, toItem(m))
	}
	return items, nil
}

func toItem(m *gmailapi.Message) *mirror.Item {
	item := &mirror.Item{
		ProviderItemID: m.Id,
		Kind:           mirror.KindMessage,
		ThreadID:       m.ThreadId,
		Snippet:        m.Snippet,
		Labels:         m.LabelIds,
	}
	if m.InternalDate > 0 {
		item.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Subject":
				item.Subject = h.Value
			case "From":
				item.From = h.Value
			}
		}
	}
	return item
}

func tombstone(id string) *mirror.Item {
	return &mirror.Item{ProviderItemID: id, Kind: mirror.KindMessage, Deleted: true}
}

// RegisterWebhook starts a Gmail push watch. target.URL is the Pub/Sub topic
// and target.Triggers the label ids to watch. The returned id is the
// history id the watch started at.
func (g *Gateway) RegisterWebhook(ctx context.Context, accessToken string, target provider.WebhookTarget) (string, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	resp, err := svc.Users.Watch(g.userID, &gmailapi.WatchRequest{
		TopicName: target.URL,
		LabelIds:  target.Triggers,
	}).Context(ctx).Do()
	if err != nil {
		return "", wrapError("users.watch", err)
	}
	return strconv.FormatUint(resp.HistoryId, 10), nil
}

// DeregisterWebhook stops the push watch. Gmail has one watch per mailbox so
// webhookID is informational.
func (g *Gateway) DeregisterWebhook(ctx context.Context, accessToken, webhookID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop(g.userID).Context(ctx).Do(); err != nil && !isNotFound(err) {
		return wrapError("users.stop", err)
	}
	return nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (g *Gateway) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: g.base})
	tok, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, wrapError("token refresh", err)
	}

	out := &provider.Token{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = g.now().Add(defaultTokenLifetime)
	}
	return out, nil
}
