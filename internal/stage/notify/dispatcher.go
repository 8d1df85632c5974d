package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrDispatcher fans one notification out to every configured service
// URL through a single router.
type ShoutrrrDispatcher struct {
	sender *router.ServiceRouter
}

// NewShoutrrrDispatcher validates the URLs by building the sender up front so
// a bad URL fails at startup, not at first send.
func NewShoutrrrDispatcher(urls []string, timeout time.Duration) (*ShoutrrrDispatcher, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrDispatcher{sender: sender}, nil
}

// Dispatch sends to all channels; the first channel error fails the call so
// the notifier releases its claim and the delivery is retried.
func (d *ShoutrrrDispatcher) Dispatch(ctx context.Context, title, body string) error {
	_ = ctx // the router applies its own timeout

	params := stypes.Params{}
	params.SetTitle(title)
	for _, err := range d.sender.Send(body, &params) {
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
	}
	return nil
}

// BuildSMTPURL assembles a shoutrrr smtp:// URL from the discrete mail
// settings so deployments can configure plain SMTP without hand-writing the
// URL syntax.
func BuildSMTPURL(host string, port int, sender string, recipients []string) string {
	q := url.Values{}
	q.Set("from", sender)
	q.Set("to", strings.Join(recipients, ","))
	return fmt.Sprintf("smtp://%s:%d/?%s", host, port, q.Encode())
}
