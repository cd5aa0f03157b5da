// Package notifier provides the e-mail alerting half of the notification fan-out.
package notifier

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/Masterminds/sprig/v3"
	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/policy"
	"github.com/geekxflood/trapkeeper/internal/resolver"
	"github.com/geekxflood/trapkeeper/internal/types"
	"golang.org/x/time/rate"
)

//go:embed templates/default.cue
var defaultTemplate embed.FS

// Status is the outcome of one Notify call.
type Status string

// Delivery outcomes
const (
	StatusSkipped     Status = "skipped"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

// MailerConfig holds configuration for trap alert e-mails
type MailerConfig struct {
	Enabled   bool          `json:"enabled"`
	From      string        `json:"from"`
	SMTPHost  string        `json:"smtp_host"`
	SMTPPort  int           `json:"smtp_port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit float64       `json:"rate_limit"`
	Burst     int           `json:"burst"`
}

// DefaultMailerConfig returns a default mailer configuration
func DefaultMailerConfig() *MailerConfig {
	return &MailerConfig{
		Enabled:   true,
		From:      "trapkeeper",
		SMTPHost:  "localhost",
		SMTPPort:  25,
		Timeout:   10 * time.Second,
		RateLimit: 10,
		Burst:     20,
	}
}

// Message is one outgoing alert e-mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Transport delivers a rendered message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// MailerStats tracks delivery statistics
type MailerStats struct {
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	Skipped     int64 `json:"skipped"`
	RateLimited int64 `json:"rate_limited"`
}

// Mailer renders and sends trap alerts according to a policy mail rule.
type Mailer struct {
	config    *MailerConfig
	transport Transport
	body      *template.Template
	subjects  sync.Map // subject text -> *template.Template
	names     resolver.NameResolver
	hostnames resolver.HostnameLookup
	limiter   *rate.Limiter
	destHost  string
	metrics   metrics.Sink
	logger    logging.Logger

	mu    sync.Mutex
	stats MailerStats
}

// NewMailer creates a mailer from the mail.* configuration with an SMTP transport.
func NewMailer(cfg config.Provider, names resolver.NameResolver, hostnames resolver.HostnameLookup, destHost string, sink metrics.Sink, logger logging.Logger) (*Mailer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	mailerConfig := DefaultMailerConfig()

	if enabled, err := cfg.GetBool("mail.enabled", mailerConfig.Enabled); err == nil {
		mailerConfig.Enabled = enabled
	}

	if from, err := cfg.GetString("mail.from", mailerConfig.From); err == nil {
		mailerConfig.From = from
	}

	if host, err := cfg.GetString("mail.smtp_host", mailerConfig.SMTPHost); err == nil {
		mailerConfig.SMTPHost = host
	}

	if port, err := cfg.GetInt("mail.smtp_port", mailerConfig.SMTPPort); err == nil {
		mailerConfig.SMTPPort = port
	}

	if username, err := cfg.GetString("mail.username", mailerConfig.Username); err == nil {
		mailerConfig.Username = username
	}

	if password, err := cfg.GetString("mail.password", mailerConfig.Password); err == nil {
		mailerConfig.Password = password
	}

	if timeout, err := cfg.GetDuration("mail.timeout", mailerConfig.Timeout); err == nil {
		mailerConfig.Timeout = timeout
	}

	if rateLimit, err := cfg.GetFloat("mail.rate_limit", mailerConfig.RateLimit); err == nil {
		mailerConfig.RateLimit = rateLimit
	}

	if burst, err := cfg.GetInt("mail.burst", mailerConfig.Burst); err == nil {
		mailerConfig.Burst = burst
	}

	transport := NewSMTPTransport(SMTPConfig{
		Host:     mailerConfig.SMTPHost,
		Port:     mailerConfig.SMTPPort,
		Username: mailerConfig.Username,
		Password: mailerConfig.Password,
		Timeout:  mailerConfig.Timeout,
	})

	return New(mailerConfig, transport, names, hostnames, destHost, sink, logger)
}

// New creates a mailer with an explicit transport.
func New(mailerConfig *MailerConfig, transport Transport, names resolver.NameResolver, hostnames resolver.HostnameLookup, destHost string, sink metrics.Sink, logger logging.Logger) (*Mailer, error) {
	if mailerConfig == nil {
		mailerConfig = DefaultMailerConfig()
	}
	if transport == nil {
		return nil, fmt.Errorf("mail transport cannot be nil")
	}
	if names == nil {
		return nil, fmt.Errorf("name resolver cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sink == nil {
		sink = metrics.Discard
	}

	body, err := loadDefaultTemplate()
	if err != nil {
		return nil, fmt.Errorf("failed to load default template: %w", err)
	}

	limit := rate.Inf
	if mailerConfig.RateLimit > 0 {
		limit = rate.Limit(mailerConfig.RateLimit)
	}

	return &Mailer{
		config:    mailerConfig,
		transport: transport,
		body:      body,
		names:     names,
		hostnames: hostnames,
		limiter:   rate.NewLimiter(limit, max(mailerConfig.Burst, 1)),
		destHost:  destHost,
		metrics:   sink,
		logger:    logger.With("component", "mailer"),
	}, nil
}

// loadDefaultTemplate loads the body template from the embedded CUE file
func loadDefaultTemplate() (*template.Template, error) {
	content, err := defaultTemplate.ReadFile("templates/default.cue")
	if err != nil {
		return nil, fmt.Errorf("failed to read default template: %w", err)
	}

	ctx := cuecontext.New()
	value := ctx.CompileBytes(content)
	if value.Err() != nil {
		return nil, fmt.Errorf("failed to compile CUE template: %w", value.Err())
	}

	templateDef := value.LookupPath(cue.ParsePath("#DefaultTemplate"))
	if !templateDef.Exists() {
		return nil, fmt.Errorf("template definition #DefaultTemplate not found")
	}

	templateStr := templateDef.LookupPath(cue.ParsePath("template"))
	if !templateStr.Exists() {
		return nil, fmt.Errorf("template string not found in CUE definition")
	}

	templateContent, err := templateStr.String()
	if err != nil {
		return nil, fmt.Errorf("failed to extract template string: %w", err)
	}

	tmpl, err := template.New("default").Funcs(sprig.TxtFuncMap()).Parse(templateContent)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Go template: %w", err)
	}

	return tmpl, nil
}

// Notify sends the alert for n when rule asks for one. Skips and failures
// are reported through the status; the error is only set for StatusFailed.
func (m *Mailer) Notify(ctx context.Context, n *types.Notification, rule *policy.MailRule, duplicate bool) (Status, error) {
	if !m.config.Enabled || rule == nil || (duplicate && !rule.OnDuplicate) || len(rule.Recipients) == 0 {
		m.count(func(s *MailerStats) { s.Skipped++ })
		return StatusSkipped, nil
	}

	if !m.limiter.Allow() {
		m.metrics.Incr(metrics.MailRateLimited, 1)
		m.count(func(s *MailerStats) { s.RateLimited++ })
		m.logger.WarnContext(ctx, "Mail rate limit exceeded, alert dropped", "oid", n.OID, "host", n.Host)
		return StatusRateLimited, nil
	}

	m.metrics.Incr(metrics.MailSentAttempted, 1)

	msg, err := m.render(ctx, n, rule)
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		err = m.transport.Send(sendCtx, msg)
		cancel()
	}

	if err != nil {
		m.metrics.Incr(metrics.MailSentFailed, 1)
		m.count(func(s *MailerStats) { s.Failed++ })
		m.logger.WarnContext(ctx, "Failed to send e-mail for trap", "oid", n.OID, "host", n.Host, "error", err.Error())
		return StatusFailed, err
	}

	m.metrics.Incr(metrics.MailSentSuccessful, 1)
	m.count(func(s *MailerStats) { s.Sent++ })
	m.logger.DebugContext(ctx, "Sent trap alert", "oid", n.OID, "recipients", len(rule.Recipients))
	return StatusSent, nil
}

func (m *Mailer) render(ctx context.Context, n *types.Notification, rule *policy.MailRule) (Message, error) {
	trapName := m.names.Resolve(n.OID).Name
	hostname := n.Host
	if m.hostnames != nil {
		hostname = m.hostnames.HostnameOrIP(ctx, n.Host)
	}

	subject, err := m.renderSubject(rule.Subject, map[string]any{
		"trap_oid":  n.OID,
		"trap_name": trapName,
		"ipaddress": n.Host,
		"hostname":  hostname,
	})
	if err != nil {
		return Message{}, err
	}

	varbinds := make([]bodyVarbind, 0, len(n.Varbinds))
	for _, vb := range n.Varbinds {
		varbinds = append(varbinds, bodyVarbind{
			Name:  m.names.Resolve(vb.OID).Name,
			OID:   vb.OID,
			Kind:  string(vb.Kind),
			Value: m.names.PrettyValue(vb),
		})
	}

	var buf bytes.Buffer
	if err := m.body.Execute(&buf, bodyData{
		Trap:     n,
		TrapName: trapName,
		Hostname: hostname,
		DestHost: m.destHost,
		Varbinds: varbinds,
	}); err != nil {
		return Message{}, fmt.Errorf("template execution failed: %w", err)
	}

	return Message{
		From:    m.config.From,
		To:      append([]string(nil), rule.Recipients...),
		Subject: subject,
		Body:    buf.String(),
	}, nil
}

type bodyData struct {
	Trap     *types.Notification
	TrapName string
	Hostname string
	DestHost string
	Varbinds []bodyVarbind
}

type bodyVarbind struct {
	Name  string
	OID   string
	Kind  string
	Value string
}

// legacyPlaceholder matches %(key)s placeholders of older handler configs.
var legacyPlaceholder = regexp.MustCompile(`%\((\w+)\)s`)

// renderSubject executes a subject template. Both {{ .trap_name }} and
// %(trap_name)s placeholders are accepted.
func (m *Mailer) renderSubject(subject string, data map[string]any) (string, error) {
	var tmpl *template.Template
	if cached, ok := m.subjects.Load(subject); ok {
		tmpl = cached.(*template.Template)
	} else {
		text := legacyPlaceholder.ReplaceAllString(subject, "{{ .$1 }}")
		parsed, err := template.New("subject").Option("missingkey=zero").Funcs(sprig.TxtFuncMap()).Parse(text)
		if err != nil {
			return "", fmt.Errorf("invalid subject template %q: %w", subject, err)
		}
		m.subjects.Store(subject, parsed)
		tmpl = parsed
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("subject template execution failed: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "\n", " ")), nil
}

func (m *Mailer) count(update func(*MailerStats)) {
	m.mu.Lock()
	update(&m.stats)
	m.mu.Unlock()
}

// GetStats returns delivery statistics
func (m *Mailer) GetStats() MailerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
