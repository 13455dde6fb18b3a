package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cyp0633/caldora-scheduling/config"
)

// NATSTransport forwards scheduling messages for non-local recipients
// over NATS: partition peers subscribe on their node subject, a gateway
// for foreign servers subscribes on the domain subjects.
type NATSTransport struct {
	conn    *nats.Conn
	prefix  string
	logger  *slog.Logger
	timeout time.Duration
}

// wireMessage is the published envelope. The payload travels as iCalendar
// text so subscribers don't need this module's types.
type wireMessage struct {
	Method     string `json:"method"`
	Originator string `json:"originator"`
	Recipient  string `json:"recipient"`
	Calendar   string `json:"calendar"`
}

// NewNATSTransport connects to the configured NATS server.
func NewNATSTransport(cfg *config.Config, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	settings := cfg.Snapshot().NATS
	if settings.URL == "" {
		return nil, fmt.Errorf("no nats url configured")
	}

	options := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	conn, err := nats.Connect(settings.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", settings.URL, err)
	}

	prefix := settings.SubjectPrefix
	if prefix == "" {
		prefix = "caldora.scheduling"
	}
	logger.Info("nats transport connected", "url", conn.ConnectedUrl(), "prefix", prefix)
	return &NATSTransport{
		conn:    conn,
		prefix:  prefix,
		logger:  logger,
		timeout: 5 * time.Second,
	}, nil
}

// Send implements RemoteTransport. Publication is fire-and-forget; the
// recipient's server reports the final status out of band, so the
// recorded status stays at "sent".
func (t *NATSTransport) Send(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (string, error) {
	ics, err := msg.Payload.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for %s: %w", recipient.Address, err)
	}
	data, err := json.Marshal(wireMessage{
		Method:     msg.Method,
		Originator: msg.Originator,
		Recipient:  recipient.Address,
		Calendar:   ics,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope for %s: %w", recipient.Address, err)
	}

	subject := t.subjectFor(recipient)
	if err := t.conn.Publish(subject, data); err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if err := t.conn.FlushTimeout(t.timeout); err != nil {
		return "", fmt.Errorf("failed to flush publish to %s: %w", subject, err)
	}

	t.logger.Info("scheduling message forwarded",
		"subject", subject,
		"method", msg.Method,
		"recipient", recipient.Address)
	return StatusSent, nil
}

// subjectFor routes partitioned users by node and foreign users by
// domain.
func (t *NATSTransport) subjectFor(recipient CalendarUser) string {
	if recipient.Kind == KindPartitioned && recipient.Node != "" {
		return fmt.Sprintf("%s.node.%s", t.prefix, recipient.Node)
	}
	return fmt.Sprintf("%s.domain.%s", t.prefix, recipient.Domain)
}

// Close drains the connection.
func (t *NATSTransport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}
