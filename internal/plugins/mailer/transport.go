package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Transport delivers one composed message. Implementations are the tiers
// of the delivery chain; the service tries them in order.
type Transport interface {
	// Name identifies the tier in logs.
	Name() string

	// Send delivers the message or returns an error so the next tier can
	// take over. Implementations honor ctx cancellation where the
	// underlying I/O allows it.
	Send(ctx context.Context, msg *Message) error
}

// Message is a composed plain-text email.
type Message struct {
	ToAddress string
	ToName    string
	Subject   string
	Body      string
}

// render builds the RFC 2822 wire form of the message.
func (m *Message) render(fromAddress, fromName string) string {
	from := mail.Address{Name: fromName, Address: fromAddress}
	to := mail.Address{Name: m.ToName, Address: m.ToAddress}

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to.String()))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", m.Subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(m.Body)
	return msg.String()
}

// --- Tier 1: authenticated SMTP relay ---

// smtpTransport sends through a configured SMTP relay with STARTTLS,
// implicit TLS, or plaintext depending on the encryption mode.
type smtpTransport struct {
	host        string
	port        int
	username    string
	password    string
	encryption  string
	fromAddress string
	fromName    string
	timeout     time.Duration
}

func (t *smtpTransport) Name() string { return "smtp" }

func (t *smtpTransport) Send(ctx context.Context, msg *Message) error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	wire := msg.render(t.fromAddress, t.fromName)

	switch t.encryption {
	case "ssl":
		return t.sendSSL(addr, msg.ToAddress, wire)
	case "none":
		return t.sendPlain(addr, msg.ToAddress, wire)
	default: // "starttls"
		return t.sendStartTLS(addr, msg.ToAddress, wire)
	}
}

// sendStartTLS sends using STARTTLS (port 587 typical).
func (t *smtpTransport) sendStartTLS(addr, recipient, wire string) error {
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))

	client, err := gosmtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: t.host, MinVersion: tls.VersionTLS12}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starting TLS: %w", err)
	}

	if err := t.auth(client); err != nil {
		return err
	}

	return t.sendMessage(client, recipient, wire)
}

// sendSSL sends using implicit SSL/TLS (port 465 typical).
func (t *smtpTransport) sendSSL(addr, recipient, wire string) error {
	tlsConfig := &tls.Config{ServerName: t.host, MinVersion: tls.VersionTLS12}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: t.timeout}, "tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("connecting to %s (SSL): %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))

	client, err := gosmtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if err := t.auth(client); err != nil {
		return err
	}

	return t.sendMessage(client, recipient, wire)
}

// sendPlain sends without encryption. Only sensible against a relay on
// localhost or a trusted network.
func (t *smtpTransport) sendPlain(addr, recipient, wire string) error {
	var auth gosmtp.Auth
	if t.username != "" {
		auth = gosmtp.PlainAuth("", t.username, t.password, t.host)
	}
	if err := gosmtp.SendMail(addr, auth, t.fromAddress, []string{recipient}, []byte(wire)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// auth performs AUTH PLAIN when credentials are configured.
func (t *smtpTransport) auth(client *gosmtp.Client) error {
	if t.username == "" {
		return nil
	}
	auth := gosmtp.PlainAuth("", t.username, t.password, t.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	return nil
}

// sendMessage handles MAIL FROM, RCPT TO, DATA for an existing SMTP client.
func (t *smtpTransport) sendMessage(client *gosmtp.Client, recipient, wire string) error {
	if err := client.Mail(t.fromAddress); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", recipient, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(wire)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}

// --- Tier 2: platform sendmail binary ---

// sendmailTransport pipes the message into the local sendmail binary.
// Covers hosts with a working local MTA but no relay credentials.
type sendmailTransport struct {
	path        string
	fromAddress string
	fromName    string
}

func (t *sendmailTransport) Name() string { return "sendmail" }

func (t *sendmailTransport) Send(ctx context.Context, msg *Message) error {
	if _, err := os.Stat(t.path); err != nil {
		return fmt.Errorf("sendmail binary not available at %s: %w", t.path, err)
	}

	// -t reads recipients from the headers, -i ignores lone dots.
	cmd := exec.CommandContext(ctx, t.path, "-t", "-i")
	cmd.Stdin = strings.NewReader(msg.render(t.fromAddress, t.fromName))

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running sendmail: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// --- Tier 3: durable local log file ---

// logTransport appends the message to a local recovery file. This is the
// tier of last resort: it is the only place the message content, code
// included, is allowed to land on disk, so an operator can relay it to
// the user by hand.
type logTransport struct {
	path string
	mu   sync.Mutex
}

func (t *logTransport) Name() string { return "recovery-log" }

func (t *logTransport) Send(_ context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening recovery log: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("--- %s ---\nTo: %s <%s>\nSubject: %s\n%s\n\n",
		time.Now().UTC().Format(time.RFC3339),
		msg.ToName, msg.ToAddress, msg.Subject, msg.Body,
	)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("writing recovery log: %w", err)
	}
	return nil
}
