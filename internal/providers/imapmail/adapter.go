// Package imapmail adapts a generic IMAP backend as a remote provider.
// The synchronized items are messages flagged for follow-up; a flagged
// mail shows up locally as an open task-like record.
package imapmail

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/orbitmail/syncd/internal/auth"
	"github.com/orbitmail/syncd/internal/model"
	"github.com/orbitmail/syncd/internal/sync"
)

// Adapter implements sync.RemoteProvider over IMAP. Each call dials a
// fresh connection and logs out when done, so the adapter itself holds
// no connection state and every enumeration is restartable.
type Adapter struct {
	secret    *auth.IMAPSecret
	mailboxID string
	ownerID   string
}

// New creates an IMAP adapter for one mailbox.
func New(secret *auth.IMAPSecret, mb *model.Mailbox) (*Adapter, error) {
	if secret.Host == "" || secret.Username == "" {
		return nil, sync.Fatal("incomplete IMAP credential", nil)
	}
	return &Adapter{
		secret:    secret,
		mailboxID: mb.ID,
		ownerID:   mb.OwnerID,
	}, nil
}

// EnumerateChanges searches each folder in scope for flagged messages
// received since the filter floor. IMAP SINCE is day-granular, so the
// search may offer items slightly before the floor; the resolver turns
// those into no-ops.
func (a *Adapter) EnumerateChanges(ctx context.Context, filter sync.ChangeFilter, fn func(sync.RemoteItem) error) error {
	client, err := a.connect()
	if err != nil {
		return err
	}
	defer logout(client)

	folders := filter.Folders
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return sync.Transient("enumeration cancelled", err)
		}
		if err := a.enumerateFolder(client, folder, filter, fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) enumerateFolder(client *imapclient.Client, folder string, filter sync.ChangeFilter, fn func(sync.RemoteItem) error) error {
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		// Stale folder selection; skip and keep going.
		return nil
	}

	criteria := &imap.SearchCriteria{
		Since: filter.Floor(),
		Flag:  []imap.Flag{imap.FlagFlagged},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return sync.Transient(fmt.Sprintf("searching %s", folder), err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return sync.Transient(fmt.Sprintf("fetching from %s", folder), err)
		}
		if err := fn(a.normalize(buf, folder)); err != nil {
			return err
		}
	}
	return nil
}

// LoadItem fetches one message by its "folder/uid" backend id for the
// targeted push-notification path.
func (a *Adapter) LoadItem(ctx context.Context, id string) (*sync.RemoteItem, error) {
	folder, uid, err := splitID(id)
	if err != nil {
		return nil, sync.Fatal("malformed IMAP item id", err)
	}

	client, cerr := a.connect()
	if cerr != nil {
		return nil, cerr
	}
	defer logout(client)

	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return nil, sync.NotFound(fmt.Sprintf("folder %s gone", folder))
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, sync.NotFound(fmt.Sprintf("message %s gone", id))
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, sync.Transient(fmt.Sprintf("fetching %s", id), err)
	}
	item := a.normalize(buf, folder)
	return &item, nil
}

// CommitChanges is a no-op: connections are per-call and IMAP keeps no
// session-side bookkeeping for a read-only sync.
func (a *Adapter) CommitChanges(ctx context.Context) error { return nil }

func (a *Adapter) connect() (*imapclient.Client, error) {
	addr := a.secret.Host + ":" + a.secret.Port

	var client *imapclient.Client
	var err error
	if a.secret.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, sync.Transient(fmt.Sprintf("dialing %s", addr), err)
	}

	if err := client.Login(a.secret.Username, a.secret.Password).Wait(); err != nil {
		client.Close()
		return nil, sync.Fatal("IMAP login rejected", err)
	}
	return client, nil
}

func logout(client *imapclient.Client) {
	if err := client.Logout().Wait(); err != nil {
		client.Close()
	}
}

func (a *Adapter) normalize(buf *imapclient.FetchMessageBuffer, folder string) sync.RemoteItem {
	item := sync.RemoteItem{
		Backend:   model.BackendIMAP,
		Kind:      model.KindMail,
		MailboxID: a.mailboxID,
		OwnerID:   a.ownerID,
		ID:        fmt.Sprintf("%s/%d", folder, uint32(buf.UID)),
		FolderID:  folder,
		Priority:  model.PriorityHigh,
		Status:    model.StatusOpen,
		Start:     buf.InternalDate,
		Modified:  buf.InternalDate,
	}

	if env := buf.Envelope; env != nil {
		item.Title = env.Subject
		item.CorrelationID = env.MessageID
		if !env.Date.IsZero() {
			item.Start = env.Date
		}
	}
	// Messages with no Message-Id header correlate by folder/uid; it is
	// stable for the life of the mailbox barring a UIDVALIDITY reset.
	if item.CorrelationID == "" {
		item.CorrelationID = item.ID
	}

	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagAnswered:
			item.Status = model.StatusDone
		case imap.FlagDeleted:
			item.Status = model.StatusCancelled
		}
	}
	return item
}

func splitID(id string) (folder string, uid imap.UID, err error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("expected folder/uid, got %q", id)
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("parsing uid in %q: %w", id, err)
	}
	return id[:i], imap.UID(n), nil
}
