// Package mailer delivers one-time sign-in codes through a tiered chain
// of transports: authenticated SMTP relay, then the platform sendmail
// binary, then a durable local recovery file. A login must never hang or
// fail outright because a relay is down, so each tier gets a bounded
// attempt and the chain falls through until one succeeds.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bellwetherhq/campus/internal/config"
)

// MailerService is the cross-plugin contract for code delivery. The auth
// plugin depends on this through its own narrow interface.
type MailerService interface {
	// SendOneTimeCode composes and delivers a sign-in code email. It
	// returns an error only when every tier failed.
	SendOneTimeCode(ctx context.Context, toAddress, toName, code string) error
}

// mailerService implements MailerService over an ordered transport chain.
type mailerService struct {
	transports  []Transport
	tierTimeout time.Duration
	fromName    string
}

// NewMailerService builds the delivery chain from configuration. The SMTP
// tier is included only when a relay host is set; the recovery log tier is
// always present so the chain can never be empty.
func NewMailerService(cfg config.MailConfig) MailerService {
	var transports []Transport

	if cfg.Host != "" {
		transports = append(transports, &smtpTransport{
			host:        cfg.Host,
			port:        cfg.Port,
			username:    cfg.Username,
			password:    cfg.Password,
			encryption:  cfg.Encryption,
			fromAddress: cfg.FromAddress,
			fromName:    cfg.FromName,
			timeout:     cfg.Timeout,
		})
	}

	if cfg.SendmailPath != "" {
		transports = append(transports, &sendmailTransport{
			path:        cfg.SendmailPath,
			fromAddress: cfg.FromAddress,
			fromName:    cfg.FromName,
		})
	}

	transports = append(transports, &logTransport{path: cfg.FallbackLogPath})

	return &mailerService{
		transports:  transports,
		tierTimeout: cfg.Timeout,
		fromName:    cfg.FromName,
	}
}

// NewWithTransports builds a service over an explicit chain. Used by tests.
func NewWithTransports(tierTimeout time.Duration, transports ...Transport) MailerService {
	return &mailerService{transports: transports, tierTimeout: tierTimeout}
}

// SendOneTimeCode walks the transport chain until one tier delivers the
// message. Failures are logged per tier without the code itself; only the
// recovery-log tier is allowed to persist the message content.
func (s *mailerService) SendOneTimeCode(ctx context.Context, toAddress, toName, code string) error {
	msg := &Message{
		ToAddress: toAddress,
		ToName:    toName,
		Subject:   "Your sign-in code",
		Body: fmt.Sprintf(
			"Hello %s,\n\nYour sign-in code is: %s\n\nIt expires shortly. If you did not try to sign in, you can ignore this message.\n",
			toName, code,
		),
	}

	var lastErr error
	for _, transport := range s.transports {
		tierCtx, cancel := context.WithTimeout(ctx, s.tierTimeout)
		err := transport.Send(tierCtx, msg)
		cancel()

		if err == nil {
			slog.Info("one-time code dispatched",
				slog.String("transport", transport.Name()),
				slog.String("to", toAddress),
			)
			return nil
		}

		slog.Warn("mail transport failed, falling back",
			slog.String("transport", transport.Name()),
			slog.String("to", toAddress),
			slog.Any("error", err),
		)
		lastErr = err
	}

	return fmt.Errorf("all mail transports failed: %w", lastErr)
}
