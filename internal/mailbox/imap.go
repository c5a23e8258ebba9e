package mailbox

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tracyhatemice/mailnotify/internal/preview"
)

const defaultDialTimeout = 30 * time.Second

// IMAPDialer opens IMAP/IMAPS connections for one account.
type IMAPDialer struct {
	Account     string
	Host        string
	Port        int
	Username    string
	Password    string
	UseTLS      bool
	Folder      string
	CatchupDays int
	DialTimeout time.Duration
	Logger      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Dial connects, logs in and selects the folder.
func (d *IMAPDialer) Dial(ctx context.Context) (Client, error) {
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	netDialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	var conn net.Conn
	var err error
	if d.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: &tls.Config{ServerName: d.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &ConnError{Account: d.Account, Op: "imap connect", Err: err}
	}

	c := &imapClient{
		account:     d.Account,
		cmdTimeout:  timeout,
		folder:      d.Folder,
		catchupDays: d.CatchupDays,
		wake:        make(chan struct{}, 1),
		logger:      d.Logger,
		now:         d.now,
	}
	if c.folder == "" {
		c.folder = "INBOX"
	}
	if c.catchupDays <= 0 {
		c.catchupDays = 1
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.client = imapclient.New(conn, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: c.onMailbox,
		},
	})

	if err := c.setup(ctx, d.Username, d.Password, timeout); err != nil {
		c.client.Close()
		return nil, err
	}
	return c, nil
}

// imapClient is one selected IMAP connection.
type imapClient struct {
	account     string
	folder      string
	catchupDays int
	client      *imapclient.Client
	logger      *slog.Logger
	// cmdTimeout bounds the IDLE DONE exchange and LOGOUT.
	cmdTimeout time.Duration
	now        func() time.Time

	idle        bool
	uidValidity uint32

	// wake receives a token whenever the server reports a new message count.
	wake chan struct{}

	closeOnce sync.Once
}

func (c *imapClient) onMailbox(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// interruptOn closes the connection when ctx is done, which unblocks any
// pending command. The returned func detaches the watcher.
func (c *imapClient) interruptOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { c.client.Close() })
}

func (c *imapClient) setup(ctx context.Context, username, password string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := c.interruptOn(ctx)
	defer stop()

	if err := c.client.Login(username, password).Wait(); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return &AuthError{Account: c.account, Err: err}
		}
		return &ConnError{Account: c.account, Op: "imap login", Err: err}
	}

	caps, err := c.client.Capability().Wait()
	if err != nil {
		return &ConnError{Account: c.account, Op: "imap capability", Err: err}
	}
	c.idle = caps.Has(imap.CapIdle)

	data, err := c.client.Select(c.folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return &ConnError{Account: c.account, Op: "imap select " + c.folder, Err: err}
	}
	c.uidValidity = data.UIDValidity
	c.logger.Debug("imap folder selected",
		"account", c.account,
		"folder", c.folder,
		"messages", data.NumMessages,
		"uid_validity", data.UIDValidity,
		"idle", c.idle,
	)
	return nil
}

func (c *imapClient) SupportsIdle() bool {
	return c.idle
}

// Fetch searches past cur.UID, or by date window when the cursor is empty or
// belongs to an older UIDVALIDITY.
func (c *imapClient) Fetch(ctx context.Context, cur Cursor) ([]Descriptor, Cursor, error) {
	stop := c.interruptOn(ctx)
	defer stop()

	criteria := &imap.SearchCriteria{}
	next := Cursor{UIDValidity: c.uidValidity, UID: cur.UID, Since: cur.Since}
	if cur.UIDValidity != c.uidValidity || cur.UID == 0 {
		if cur.UIDValidity != 0 && cur.UIDValidity != c.uidValidity {
			c.logger.Warn("uidvalidity changed, rescanning by date",
				"account", c.account, "old", cur.UIDValidity, "new", c.uidValidity)
		}
		since := cur.Since
		if since.IsZero() {
			since = c.now().AddDate(0, 0, -c.catchupDays)
		}
		criteria.Since = since
		next.UID = 0
		next.Since = since
	} else {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(cur.UID + 1), Stop: 0}}}
	}

	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, cur, c.connErr(ctx, "imap search", err)
	}

	// "n:*" always matches the highest UID, even when it is below n.
	var uids []imap.UID
	for _, uid := range searchData.AllUIDs() {
		if uint32(uid) > next.UID {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, next, nil
	}
	slices.Sort(uids)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := c.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, cur, c.connErr(ctx, "imap fetch", err)
	}

	descs := make([]Descriptor, 0, len(buffers))
	for _, buf := range buffers {
		raw := buf.FindBodySection(bodySection)
		if len(raw) == 0 {
			c.logger.Warn("empty body, skipping", "account", c.account, "uid", buf.UID)
			continue
		}
		d := descriptorFromRaw(c.account, raw)
		d.UID = uint32(buf.UID)
		if d.MessageID == "" {
			d.MessageID = "uid:" + strconv.FormatUint(uint64(c.uidValidity), 10) + ":" + strconv.FormatUint(uint64(buf.UID), 10)
		}
		if d.Date.IsZero() && buf.Envelope != nil {
			d.Date = buf.Envelope.Date
		}
		descs = append(descs, d)
	}
	slices.SortFunc(descs, func(a, b Descriptor) int { return cmp.Compare(a.UID, b.UID) })

	next.UID = uint32(uids[len(uids)-1])
	return descs, next, nil
}

// Wait runs one IDLE command until the server reports new messages, timeout
// elapses or ctx is done.
func (c *imapClient) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	// Mail that arrived during the last fetch counts as a wake-up.
	select {
	case <-c.wake:
		return true, nil
	default:
	}

	stop := c.interruptOn(ctx)
	defer stop()

	idleCmd, err := c.client.Idle()
	if err != nil {
		return false, c.connErr(ctx, "imap idle", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	woke := false
	select {
	case <-ctx.Done():
	case <-c.wake:
		woke = true
	case <-timer.C:
	}

	if err := c.idleDone(ctx, idleCmd); err != nil {
		return woke, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return woke, nil
}

// idleDone ends idleCmd. A server that never answers DONE gets the
// connection closed after cmdTimeout.
func (c *imapClient) idleDone(ctx context.Context, idleCmd *imapclient.IdleCommand) error {
	dctx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
	defer cancel()
	stop := c.interruptOn(dctx)
	defer stop()

	if err := idleCmd.Close(); err != nil {
		return c.connErr(ctx, "imap idle done", err)
	}
	if err := idleCmd.Wait(); err != nil {
		if ctx.Err() == nil && dctx.Err() != nil {
			return &ConnError{Account: c.account, Op: "imap idle done", Err: dctx.Err()}
		}
		return c.connErr(ctx, "imap idle", err)
	}
	return nil
}

func (c *imapClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cmdTimeout)
		defer cancel()
		stop := c.interruptOn(ctx)
		if lerr := c.client.Logout().Wait(); lerr != nil {
			c.logger.Debug("imap logout", "account", c.account, "error", lerr)
		}
		if !stop() {
			// The deadline already closed the connection.
			return
		}
		err = c.client.Close()
	})
	return err
}

// connErr prefers the context error when the failure was caused by
// cancellation.
func (c *imapClient) connErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return &ConnError{Account: c.account, Op: op, Err: err}
}

// descriptorFromRaw fills the header fields of a descriptor from raw.
func descriptorFromRaw(account string, raw []byte) Descriptor {
	d := Descriptor{AccountID: account, Label: account, Raw: raw}
	h, err := preview.Headers(raw)
	if err != nil {
		d.Sender = "Unknown Sender"
		d.Subject = "No Subject"
		return d
	}
	d.MessageID = h.MessageID
	d.Sender = h.Sender
	d.Subject = h.Subject
	d.Date = h.Date
	d.Auto = h.Auto
	return d
}
