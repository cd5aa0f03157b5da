// Package policy maps trap OIDs to handler policies and applies them to
// validated notifications.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/trapkeeper/internal/validator"
	"github.com/prometheus/common/model"
)

// Default severity when neither the default policy nor a handler names one.
const DefaultSeverity = "warning"

// MailRule describes the e-mail alert of a handler policy.
type MailRule struct {
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	OnDuplicate bool     `json:"on_duplicate"`
}

// Policy is the handling decision attached to a trap OID.
type Policy struct {
	Severity   string        `json:"severity"`
	Blackhole  bool          `json:"blackhole"`
	Expiration time.Duration `json:"expiration"`
	Mail       *MailRule     `json:"mail,omitempty"`
}

// Clone returns a deep copy so hooks can modify a policy without touching
// the shared table.
func (p Policy) Clone() Policy {
	if p.Mail != nil {
		mail := *p.Mail
		mail.Recipients = append([]string(nil), p.Mail.Recipients...)
		p.Mail = &mail
	}
	return p
}

// Table is an immutable OID to policy mapping with a default entry.
type Table struct {
	defaultPolicy Policy
	handlers      map[string]Policy
}

// NewTable builds a table. handlers is copied.
func NewTable(defaultPolicy Policy, handlers map[string]Policy) *Table {
	t := &Table{
		defaultPolicy: defaultPolicy.Clone(),
		handlers:      make(map[string]Policy, len(handlers)),
	}
	for oid, p := range handlers {
		t.handlers[strings.TrimPrefix(oid, ".")] = p.Clone()
	}
	return t
}

// Lookup returns a copy of the policy for oid, or of the default policy.
func (t *Table) Lookup(oid string) Policy {
	if p, ok := t.handlers[oid]; ok {
		return p.Clone()
	}
	return t.defaultPolicy.Clone()
}

// Default returns a copy of the default policy.
func (t *Table) Default() Policy {
	return t.defaultPolicy.Clone()
}

// OIDs returns the configured handler OIDs in sorted order.
func (t *Table) OIDs() []string {
	oids := make([]string, 0, len(t.handlers))
	for oid := range t.handlers {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	return oids
}

// Len returns the number of handler entries.
func (t *Table) Len() int {
	return len(t.handlers)
}

// LoadTable builds a table from policy.default and policy.handlers. Handler
// entries inherit every field they leave unset from the default policy.
func LoadTable(cfg config.Provider) (*Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	defaultPolicy := Policy{Severity: DefaultSeverity}
	if cfg.Exists("policy.default") {
		raw, err := cfg.GetMap("policy.default")
		if err != nil {
			return nil, fmt.Errorf("failed to read policy.default: %w", err)
		}
		if defaultPolicy, err = ParsePolicy(raw, defaultPolicy); err != nil {
			return nil, fmt.Errorf("invalid default policy: %w", err)
		}
	}

	handlers := make(map[string]Policy)
	if cfg.Exists("policy.handlers") {
		raw, err := cfg.GetMap("policy.handlers")
		if err != nil {
			return nil, fmt.Errorf("failed to read policy.handlers: %w", err)
		}
		for oid, entry := range raw {
			oid = strings.TrimPrefix(oid, ".")
			if !validator.ValidOID(oid) {
				return nil, fmt.Errorf("invalid handler OID %q", oid)
			}
			fields, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("handler %s: expected a mapping, got %T", oid, entry)
			}
			p, err := ParsePolicy(fields, defaultPolicy)
			if err != nil {
				return nil, fmt.Errorf("handler %s: %w", oid, err)
			}
			handlers[oid] = p
		}
	}

	return NewTable(defaultPolicy, handlers), nil
}

// ParsePolicy overlays the fields present in raw onto base.
func ParsePolicy(raw map[string]any, base Policy) (Policy, error) {
	p := base.Clone()

	for key, value := range raw {
		switch key {
		case "severity":
			s, ok := value.(string)
			if !ok || s == "" {
				return Policy{}, fmt.Errorf("severity must be a non-empty string")
			}
			p.Severity = s
		case "blackhole":
			b, ok := value.(bool)
			if !ok {
				return Policy{}, fmt.Errorf("blackhole must be a boolean")
			}
			p.Blackhole = b
		case "expiration":
			d, err := ParseExpiration(value)
			if err != nil {
				return Policy{}, err
			}
			p.Expiration = d
		case "mail":
			if value == nil {
				p.Mail = nil
				continue
			}
			fields, ok := value.(map[string]any)
			if !ok {
				return Policy{}, fmt.Errorf("mail must be a mapping")
			}
			mail, err := parseMailRule(fields, p.Mail)
			if err != nil {
				return Policy{}, fmt.Errorf("mail: %w", err)
			}
			p.Mail = mail
		default:
			return Policy{}, fmt.Errorf("unknown policy field %q", key)
		}
	}

	return p, nil
}

func parseMailRule(raw map[string]any, base *MailRule) (*MailRule, error) {
	mail := &MailRule{}
	if base != nil {
		*mail = *base
		mail.Recipients = append([]string(nil), base.Recipients...)
	}

	for key, value := range raw {
		switch key {
		case "recipients":
			recipients, err := toStrings(value)
			if err != nil {
				return nil, fmt.Errorf("recipients: %w", err)
			}
			mail.Recipients = recipients
		case "subject":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("subject must be a string")
			}
			mail.Subject = s
		case "on_duplicate":
			b, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("on_duplicate must be a boolean")
			}
			mail.OnDuplicate = b
		default:
			return nil, fmt.Errorf("unknown mail field %q", key)
		}
	}

	return mail, nil
}

// ParseExpiration accepts Prometheus-style duration strings ("30m", "2d",
// "1w"), Go durations, and integer seconds.
func ParseExpiration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if v == "" {
			return 0, nil
		}
		if d, err := model.ParseDuration(v); err == nil {
			return time.Duration(d), nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid expiration %q", v)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid expiration type %T", value)
	}
}

func toStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", value)
	}
}
