package bugmail

import (
	"context"

	"github.com/knadh/go-pop3"
	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/rs/zerolog"
)

// Poller drains a POP3 mailbox of bugmail. Recognized messages are
// deleted after retrieval; everything else is left on the server.
type Poller struct {
	cfg config.Config
	log zerolog.Logger
	p   *pop3.Client
}

func NewPoller(cfg config.Config, log zerolog.Logger) *Poller {
	p := pop3.New(pop3.Opt{
		Host:       cfg.BugmailHost,
		Port:       cfg.BugmailPort,
		TLSEnabled: cfg.BugmailTLS,
	})
	return &Poller{cfg: cfg, log: log, p: p}
}

func (p *Poller) Enabled() bool {
	return p.cfg.BugmailHost != ""
}

// Fetch retrieves pending bugmail. A message that fails to parse is
// logged and skipped, not deleted.
func (p *Poller) Fetch(ctx context.Context) ([]*Message, error) {
	conn, err := p.p.NewConn()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Quit() }()
	if err := conn.Auth(p.cfg.BugmailUser, p.cfg.BugmailPass); err != nil {
		return nil, err
	}
	count, _, err := conn.Stat()
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		buf, err := conn.RetrRaw(i)
		if err != nil {
			p.log.Warn().Err(err).Int("msg", i).Msg("bugmail: retr failed")
			continue
		}
		m, err := Parse(buf.Bytes())
		if err != nil {
			if err != ErrNotBugmail {
				p.log.Warn().Err(err).Int("msg", i).Msg("bugmail: parse failed")
			}
			continue
		}
		msgs = append(msgs, m)
		if err := conn.Dele(i); err != nil {
			p.log.Warn().Err(err).Int("msg", i).Msg("bugmail: dele failed")
		}
	}
	return msgs, nil
}
