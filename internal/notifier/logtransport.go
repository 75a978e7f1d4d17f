package notifier

import (
	"context"
	"strings"

	logx "resultwatch/pkg/logx"
)

// NewLog returns a transport that only logs rendered messages.
func NewLog(log logx.Logger) Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return logTransport{log: log.With(logx.String("transport", "log"))}
}

type logTransport struct {
	log logx.Logger
}

func (t logTransport) Name() string { return "log" }

func (t logTransport) Open(ctx context.Context) (Session, error) {
	return t, ctx.Err()
}

func (t logTransport) Deliver(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("email (not sent)",
		logx.String("from", m.From),
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.String("ids", strings.Join(m.IDs, ",")),
		logx.Int("html_bytes", len(m.HTML)),
	)
	t.log.Debug("email body", logx.String("html", m.HTML))
	return nil
}

func (t logTransport) Close() error { return nil }
