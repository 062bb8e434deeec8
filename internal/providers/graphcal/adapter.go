// Package graphcal adapts an Exchange-style backend, reached through
// Microsoft Graph, as a remote provider for calendar events.
package graphcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/orbitmail/syncd/internal/auth"
	"github.com/orbitmail/syncd/internal/model"
	"github.com/orbitmail/syncd/internal/sync"
)

// Adapter implements sync.RemoteProvider for Microsoft Graph calendars.
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	userID    string
	mailboxID string
	ownerID   string
}

// New creates a Graph calendar adapter for one mailbox. The token is
// used as-is; refresh is the credential service's job.
func New(ctx context.Context, tok *auth.Token, mb *model.Mailbox) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("creating Graph client: %w", err)
	}

	return &Adapter{
		client:    client,
		userID:    mb.Sender,
		mailboxID: mb.ID,
		ownerID:   mb.OwnerID,
	}, nil
}

// EnumerateChanges walks every resolvable calendar in scope and offers
// events modified at or after the filter floor. Every Graph event
// carries an iCalUId, so the modified filter alone is complete; there
// is no separate unmarked-item pass for this backend.
func (a *Adapter) EnumerateChanges(ctx context.Context, filter sync.ChangeFilter, fn func(sync.RemoteItem) error) error {
	calendarIDs := filter.Folders
	if len(calendarIDs) == 0 {
		ids, err := a.listCalendars(ctx)
		if err != nil {
			return classify("listing calendars", err)
		}
		calendarIDs = ids
	}

	for _, calID := range calendarIDs {
		if err := a.enumerateCalendar(ctx, calID, filter, fn); err != nil {
			if isGone(err) {
				// Stale folder selection; the calendar was removed
				// remotely. Skip it and keep going.
				continue
			}
			return err
		}
	}
	return nil
}

func (a *Adapter) enumerateCalendar(ctx context.Context, calID string, filter sync.ChangeFilter, fn func(sync.RemoteItem) error) error {
	pageSize := int32(filter.PageSize)
	if pageSize <= 0 {
		pageSize = 100
	}
	modifiedFilter := fmt.Sprintf("lastModifiedDateTime ge %s",
		filter.Floor().UTC().Format(time.RFC3339))

	requestConfig := &users.ItemCalendarsItemEventsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemCalendarsItemEventsRequestBuilderGetQueryParameters{
			Top:    &pageSize,
			Filter: &modifiedFilter,
			Select: []string{"id", "iCalUId", "subject", "bodyPreview", "start", "end", "importance", "isCancelled", "lastModifiedDateTime"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Calendars().ByCalendarId(calID).Events().Get(ctx, requestConfig)
	if err != nil {
		if isGone(err) {
			return err
		}
		return classify(fmt.Sprintf("listing events in %s", calID), err)
	}

	for result != nil {
		for _, ev := range result.GetValue() {
			if err := fn(a.normalize(ev, calID)); err != nil {
				return err
			}
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		builder := users.NewItemCalendarsItemEventsRequestBuilder(*next, a.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
		if err != nil {
			return classify(fmt.Sprintf("paging events in %s", calID), err)
		}
	}
	return nil
}

// LoadItem fetches one event by backend id for the targeted
// push-notification path.
func (a *Adapter) LoadItem(ctx context.Context, id string) (*sync.RemoteItem, error) {
	ev, err := a.client.Users().ByUserId(a.userID).Events().ByEventId(id).Get(ctx, nil)
	if err != nil {
		if isGone(err) {
			return nil, sync.NotFound(fmt.Sprintf("event %s gone", id))
		}
		return nil, classify(fmt.Sprintf("loading event %s", id), err)
	}
	item := a.normalize(ev, "")
	return &item, nil
}

// CommitChanges is a no-op: Graph keeps no session-side bookkeeping.
func (a *Adapter) CommitChanges(ctx context.Context) error { return nil }

func (a *Adapter) listCalendars(ctx context.Context) ([]string, error) {
	result, err := a.client.Users().ByUserId(a.userID).Calendars().Get(ctx, nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, cal := range result.GetValue() {
		if id := cal.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

func (a *Adapter) normalize(ev models.Eventable, calID string) sync.RemoteItem {
	item := sync.RemoteItem{
		Backend:   model.BackendGraph,
		Kind:      model.KindEvent,
		MailboxID: a.mailboxID,
		OwnerID:   a.ownerID,
		FolderID:  calID,
		Priority:  model.PriorityNormal,
		Status:    model.StatusOpen,
	}

	if id := ev.GetId(); id != nil {
		item.ID = *id
	}
	if uid := ev.GetICalUId(); uid != nil {
		item.CorrelationID = *uid
	}
	if subject := ev.GetSubject(); subject != nil {
		item.Title = *subject
	}
	if preview := ev.GetBodyPreview(); preview != nil {
		item.Body = *preview
	}

	var startTZ string
	item.Start, startTZ = parseGraphTime(ev.GetStart())
	item.Due, _ = parseGraphTime(ev.GetEnd())
	item.TimeZone = startTZ

	if imp := ev.GetImportance(); imp != nil {
		switch *imp {
		case models.LOW_IMPORTANCE:
			item.Priority = model.PriorityLow
		case models.HIGH_IMPORTANCE:
			item.Priority = model.PriorityHigh
		}
	}
	if cancelled := ev.GetIsCancelled(); cancelled != nil && *cancelled {
		item.Status = model.StatusCancelled
	}
	if modified := ev.GetLastModifiedDateTime(); modified != nil {
		item.Modified = *modified
	}
	return item
}

// parseGraphTime converts Graph's split date-time/timezone pair. The
// date-time string has no offset; it is wall time in the named zone.
func parseGraphTime(dtz models.DateTimeTimeZoneable) (time.Time, string) {
	if dtz == nil {
		return time.Time{}, ""
	}
	var raw, tz string
	if v := dtz.GetDateTime(); v != nil {
		raw = *v
	}
	if v := dtz.GetTimeZone(); v != nil {
		tz = *v
	}
	if raw == "" {
		return time.Time{}, tz
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	if len(raw) > 19 {
		raw = raw[:19]
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
	if err != nil {
		return time.Time{}, tz
	}
	return t, tz
}

func isGone(err error) bool {
	var oe *odataerrors.ODataError
	return errors.As(err, &oe) && oe.ResponseStatusCode == http.StatusNotFound
}

func classify(reason string, err error) *sync.Fault {
	var oe *odataerrors.ODataError
	if errors.As(err, &oe) {
		switch oe.ResponseStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return sync.Fatal(reason, err)
		}
	}
	return sync.Transient(reason, err)
}

// staticTokenCredential hands the credential service's access token to
// the Graph SDK without any refresh flow of its own.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}
