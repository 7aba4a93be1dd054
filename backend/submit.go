package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/openkim/kimgate/logger"
)

// Submitter hands transformed outgoing messages to the backend MTA over
// SMTP submission.
type Submitter struct {
	Addr      string
	Hostname  string // HELO name, defaults to localhost when empty
	TLSConfig *tls.Config
	StartTLS  bool
	Username  string
	Password  string
	Timeout   time.Duration
}

// Submit delivers one message to the given recipients. The recipient list
// must already be filtered down to the no-failure set; the submitter does
// not consult the error accumulators.
func (s *Submitter) Submit(ctx context.Context, from string, to []string, message []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	addr, err := ResolveAddr(ctx, s.Addr)
	if err != nil {
		return err
	}

	var client *smtp.Client
	if s.StartTLS {
		client, err = smtp.DialStartTLS(addr, s.TLSConfig)
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to submission server %s: %w", addr, err)
	}
	defer client.Close()

	if s.Timeout > 0 {
		client.CommandTimeout = s.Timeout
		client.SubmissionTimeout = s.Timeout
	}

	hostname := s.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	if err := client.Hello(hostname); err != nil {
		return fmt.Errorf("submission HELO failed: %w", err)
	}

	if s.Username != "" {
		auth := sasl.NewPlainClient("", s.Username, s.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("submission authentication failed: %w", err)
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(message)); err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	if err := client.Quit(); err != nil {
		logger.Debug("submission QUIT failed", "addr", addr, "error", err)
	}

	logger.Info("message submitted to backend", "addr", addr, "from", from, "recipients", len(to))
	return nil
}
