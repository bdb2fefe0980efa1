package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry is a no-op without a DSN; capture calls then go nowhere.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubSecrets,
	})
}

var sensitiveKeys = []string{"password", "token", "refreshToken", "authorization"}

// scrubSecrets drops credentials from captured request data.
func scrubSecrets(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	event.Request.Data = ""
	event.Request.Cookies = ""
	for _, key := range sensitiveKeys {
		for header := range event.Request.Headers {
			if strings.EqualFold(header, key) {
				event.Request.Headers[header] = "[redacted]"
			}
		}
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
