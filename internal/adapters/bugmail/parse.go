// Package bugmail ingests Bugzilla notification mail and turns it into
// minimal bug update payloads. Transport is POP3 polling or an HTTP
// webhook posting the raw message; both feed the same parser.
package bugmail

import (
	"bytes"
	"errors"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNotBugmail marks messages that aren't bug notifications we
	// care about, e.g. account-creation admin mail.
	ErrNotBugmail = errors.New("not a bugmail message")

	bugIDRe = regexp.MustCompile(`\[Bug (\d+)\]`)
)

// 'admin' also comes through but is for account creation.
var bugmailTypes = map[string]struct{}{
	"new":     {},
	"changed": {},
}

// Message is the useful subset of one bugmail notification.
type Message struct {
	BugID         int64
	Type          string
	Product       string
	Component     string
	ChangedFields []string
}

// Parse extracts the bug id and field payload from a raw RFC822 message.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	typ := strings.ToLower(msg.Header.Get("X-Bugzilla-Type"))
	if _, ok := bugmailTypes[typ]; !ok {
		return nil, ErrNotBugmail
	}
	m := &Message{
		Type:      typ,
		Product:   msg.Header.Get("X-Bugzilla-Product"),
		Component: msg.Header.Get("X-Bugzilla-Component"),
	}
	if v := msg.Header.Get("X-Bugzilla-Changed-Fields"); v != "" {
		m.ChangedFields = strings.Fields(v)
	}
	if v := msg.Header.Get("X-Bugzilla-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.BugID = id
		}
	}
	if m.BugID == 0 {
		if match := bugIDRe.FindStringSubmatch(msg.Header.Get("Subject")); match != nil {
			m.BugID, _ = strconv.ParseInt(match[1], 10, 64)
		}
	}
	if m.BugID == 0 {
		return nil, ErrNotBugmail
	}
	return m, nil
}
