// Package gcal adapts Google Calendar as a remote provider for
// calendar events.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/orbitmail/syncd/internal/auth"
	"github.com/orbitmail/syncd/internal/model"
	"github.com/orbitmail/syncd/internal/sync"
)

// Adapter implements sync.RemoteProvider for Google Calendar.
type Adapter struct {
	svc       *calendar.Service
	mailboxID string
	ownerID   string

	// defaultCalendar is where targeted loads look an event up when the
	// notification carries no folder. "primary" resolves to the
	// account's main calendar.
	defaultCalendar string
}

// New creates a Google Calendar adapter for one mailbox.
func New(ctx context.Context, tok *auth.Token, mb *model.Mailbox) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	config := &oauth2.Config{
		Scopes: []string{calendar.CalendarReadonlyScope},
	}
	httpClient := config.Client(ctx, oauth2Token)

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating Calendar service: %w", err)
	}

	defaultCal := "primary"
	if len(mb.FolderIDs) > 0 {
		defaultCal = mb.FolderIDs[0]
	}
	return &Adapter{
		svc:             svc,
		mailboxID:       mb.ID,
		ownerID:         mb.OwnerID,
		defaultCalendar: defaultCal,
	}, nil
}

// EnumerateChanges walks the calendars in scope with an updated-min
// query. Google assigns every event an iCalUID, so the modified filter
// alone covers the enumeration contract for this backend.
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
				// Stale folder selection; skip and keep going.
				continue
			}
			return err
		}
	}
	return nil
}

func (a *Adapter) enumerateCalendar(ctx context.Context, calID string, filter sync.ChangeFilter, fn func(sync.RemoteItem) error) error {
	pageSize := int64(filter.PageSize)
	if pageSize <= 0 {
		pageSize = 100
	}

	pageToken := ""
	for {
		call := a.svc.Events.List(calID).
			UpdatedMin(filter.Floor().UTC().Format(time.RFC3339)).
			ShowDeleted(true).
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			if isGone(err) {
				return err
			}
			return classify(fmt.Sprintf("listing events in %s", calID), err)
		}

		for _, ev := range page.Items {
			if err := fn(a.normalize(ev, calID)); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// LoadItem fetches one event from the default calendar for the
// targeted push-notification path.
func (a *Adapter) LoadItem(ctx context.Context, id string) (*sync.RemoteItem, error) {
	ev, err := a.svc.Events.Get(a.defaultCalendar, id).Context(ctx).Do()
	if err != nil {
		if isGone(err) {
			return nil, sync.NotFound(fmt.Sprintf("event %s gone", id))
		}
		return nil, classify(fmt.Sprintf("loading event %s", id), err)
	}
	item := a.normalize(ev, a.defaultCalendar)
	return &item, nil
}

// CommitChanges is a no-op: the Calendar API keeps no session-side
// bookkeeping.
func (a *Adapter) CommitChanges(ctx context.Context) error { return nil }

func (a *Adapter) listCalendars(ctx context.Context) ([]string, error) {
	list, err := a.svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range list.Items {
		ids = append(ids, entry.Id)
	}
	return ids, nil
}

func (a *Adapter) normalize(ev *calendar.Event, calID string) sync.RemoteItem {
	item := sync.RemoteItem{
		Backend:       model.BackendGCal,
		Kind:          model.KindEvent,
		MailboxID:     a.mailboxID,
		OwnerID:       a.ownerID,
		ID:            ev.Id,
		CorrelationID: ev.ICalUID,
		FolderID:      calID,
		Title:         ev.Summary,
		Body:          ev.Description,
		Priority:      model.PriorityNormal,
		Status:        model.StatusOpen,
	}

	var startTZ string
	item.Start, startTZ = parseEventTime(ev.Start)
	item.Due, _ = parseEventTime(ev.End)
	item.TimeZone = startTZ

	if ev.Status == "cancelled" {
		item.Status = model.StatusCancelled
	}
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			item.Modified = t
		}
	}
	return item
}

// parseEventTime handles both timed events (DateTime, RFC 3339) and
// all-day events (Date only, wall date in the event's zone).
func parseEventTime(edt *calendar.EventDateTime) (time.Time, string) {
	if edt == nil {
		return time.Time{}, ""
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, edt.TimeZone
		}
		return t, edt.TimeZone
	}
	if edt.Date != "" {
		loc := time.UTC
		if edt.TimeZone != "" {
			if l, err := time.LoadLocation(edt.TimeZone); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation("2006-01-02", edt.Date, loc)
		if err != nil {
			return time.Time{}, edt.TimeZone
		}
		return t, edt.TimeZone
	}
	return time.Time{}, edt.TimeZone
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func classify(reason string, err error) *sync.Fault {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return sync.Fatal(reason, err)
		}
	}
	return sync.Transient(reason, err)
}
