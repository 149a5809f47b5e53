// Package natsfeed mirrors the remittance change feed onto a NATS subject.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"remit-sync/go-backend/internal/domains/remittance/model"
	"remit-sync/go-backend/internal/domains/remittance/usecase"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

const DefaultSubject = "remittance.changes"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Source yields changes after a sequence number; *usecase.ChangeFeed is one.
type Source interface {
	Subscribe(fromSeq int64) ([]usecase.Change, <-chan usecase.Change, func())
}

type ConnConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	Timeout       time.Duration
}

// Dial connects to NATS with reconnect handlers that log through logger.
func Dial(cfg ConnConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

type message struct {
	Seq         int64           `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      string          `json:"source"`
	Outcome     string          `json:"outcome"`
	Removed     bool            `json:"removed"`
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Sender      string          `json:"sender"`
	ValueFinney decimal.Decimal `json:"valueFinney"`
	ClaimFinney decimal.Decimal `json:"claimFinney"`
	Deadline    uint64          `json:"blockDeadline"`
	Awaiting    bool            `json:"awaitingConfirmation"`
	Conflict    string          `json:"conflict,omitempty"`
	Warning     string          `json:"warning,omitempty"`
}

func encode(change usecase.Change) ([]byte, error) {
	rec := change.Record
	return json.Marshal(message{
		Seq:         change.Seq,
		Timestamp:   change.Timestamp,
		Source:      change.Source,
		Outcome:     string(change.Outcome),
		Removed:     change.Removed,
		ID:          rec.ID.Hex(),
		Status:      rec.Status.String(),
		Sender:      rec.Sender.Hex(),
		ValueFinney: finney(rec),
		ClaimFinney: claimFinney(rec),
		Deadline:    rec.BlockDeadline,
		Awaiting:    rec.AwaitingConfirmation,
		Conflict:    rec.Conflict,
		Warning:     rec.Warning,
	})
}

func finney(rec model.Record) decimal.Decimal {
	if rec.Value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(rec.Value, -15)
}

func claimFinney(rec model.Record) decimal.Decimal {
	if rec.Claim == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(rec.Claim, -15)
}

// Publisher forwards every store change to Subject. A publish failure is
// logged and the change is skipped; the feed is never blocked on NATS.
type Publisher struct {
	conn    Conn
	source  Source
	subject string
	logger  *slog.Logger
	lastSeq int64
}

func NewPublisher(conn Conn, source Source, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:    conn,
		source:  source,
		subject: subject,
		logger:  logger.With("component", "natsfeed"),
	}
}

// Run publishes until ctx ends. When the feed drops it as a slow consumer it
// resubscribes after the last sequence it handled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		replay, ch, cancel := p.source.Subscribe(p.lastSeq)
		for _, change := range replay {
			p.publish(change)
		}
		closed := p.follow(ctx, ch)
		cancel()
		if !closed {
			return nil
		}
		p.logger.Warn("change feed dropped publisher; resubscribing", "last_seq", p.lastSeq)
	}
}

func (p *Publisher) follow(ctx context.Context, ch <-chan usecase.Change) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-ch:
			if !ok {
				return true
			}
			p.publish(change)
		}
	}
}

func (p *Publisher) publish(change usecase.Change) {
	if change.Seq <= p.lastSeq {
		return
	}
	p.lastSeq = change.Seq
	data, err := encode(change)
	if err != nil {
		p.logger.Error("encode change failed", "seq", change.Seq, "error", err.Error())
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("publish change failed", "seq", change.Seq, "remittance_id", change.Record.ID.Hex(), "error", err.Error())
	}
}
