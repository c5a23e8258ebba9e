package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pop3client "github.com/knadh/go-pop3"
)

// pop3DateSkew is how far behind the newest seen Date header the next POP3
// window starts, so mail delivered late with an older Date is still found.
const pop3DateSkew = 24 * time.Hour

// POP3Dialer opens POP3/POP3S connections for one account. POP3 has no push
// notifications, so its clients are always polled.
type POP3Dialer struct {
	Account     string
	Host        string
	Port        int
	Username    string
	Password    string
	UseTLS      bool
	CatchupDays int
	DialTimeout time.Duration
	Logger      *slog.Logger

	now func() time.Time
}

// Dial connects and authenticates. The session is kept for the first Fetch.
func (d *POP3Dialer) Dial(ctx context.Context) (Client, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	c := &pop3Client{
		account:  d.Account,
		username: d.Username,
		password: d.Password,
		client: pop3client.New(pop3client.Opt{
			Host:        d.Host,
			Port:        d.Port,
			TLSEnabled:  d.UseTLS,
			DialTimeout: timeout,
		}),
		catchupDays: d.CatchupDays,
		logger:      d.Logger,
		now:         d.now,
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

	conn, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// pop3Client logs in again for every fetch after the first: a POP3 session
// sees the maildrop as it was at login.
type pop3Client struct {
	account     string
	username    string
	password    string
	client      *pop3client.Client
	conn        *pop3client.Conn
	catchupDays int
	logger      *slog.Logger
	now         func() time.Time
}

func (c *pop3Client) login(ctx context.Context) (*pop3client.Conn, error) {
	conn, err := c.client.NewConn()
	if err != nil {
		return nil, &ConnError{Account: c.account, Op: "pop3 connect", Err: err}
	}
	if err := ctx.Err(); err != nil {
		conn.Quit()
		return nil, err
	}
	if err := conn.Auth(c.username, c.password); err != nil {
		conn.Quit()
		return nil, &AuthError{Account: c.account, Err: err}
	}
	return conn, nil
}

// Fetch retrieves messages dated at or after cur.Since. Messages without a
// Date header are always returned; the store absorbs the repeats.
func (c *pop3Client) Fetch(ctx context.Context, cur Cursor) ([]Descriptor, Cursor, error) {
	conn := c.conn
	c.conn = nil
	if conn == nil {
		var err error
		if conn, err = c.login(ctx); err != nil {
			return nil, cur, err
		}
	}
	defer conn.Quit()
	stop := context.AfterFunc(ctx, func() { conn.Quit() })
	defer stop()

	since := cur.Since
	if since.IsZero() {
		since = c.now().AddDate(0, 0, -c.catchupDays)
	}
	var newest time.Time

	msgs, err := conn.Uidl(0)
	if err != nil {
		return nil, cur, c.connErr(ctx, "pop3 uidl", err)
	}
	c.logger.Debug("fetched message list", "account", c.account, "count", len(msgs))

	var descs []Descriptor
	for _, msg := range msgs {
		rawBuf, err := conn.RetrRaw(msg.ID)
		if err != nil {
			return nil, cur, c.connErr(ctx, "pop3 retr", err)
		}
		d := descriptorFromRaw(c.account, rawBuf.Bytes())
		if !d.Date.IsZero() && d.Date.Before(since) {
			continue
		}
		if d.MessageID == "" {
			if msg.UID != "" {
				d.MessageID = "uidl:" + msg.UID
			} else {
				d.MessageID = fmt.Sprintf("pop3:%d:%d", msg.ID, msg.Size)
			}
		}
		if d.Date.After(newest) {
			newest = d.Date
		}
		descs = append(descs, d)
	}

	next := Cursor{Since: since}
	if w := newest.Add(-pop3DateSkew); w.After(since) {
		next.Since = w
	}
	return descs, next, nil
}

func (c *pop3Client) connErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return &ConnError{Account: c.account, Op: op, Err: err}
}

// Wait is never used for POP3; it behaves like a poll sleep.
func (c *pop3Client) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

func (c *pop3Client) SupportsIdle() bool {
	return false
}

// Close ends the login session if Fetch never consumed it.
func (c *pop3Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	return err
}
