// Package validator applies the protocol admission rules to decoded SNMP
// messages and converts admitted ones into trap notifications.
package validator

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/decoder"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/types"
)

const (
	// SysUpTimeOID is sysUpTime.0, the first varbind of every v2c notification.
	SysUpTimeOID = "1.3.6.1.2.1.1.3.0"
	// SnmpTrapOID is snmpTrapOID.0, whose value names a v2c notification.
	SnmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"
	// genericTrapPrefix is snmpTraps; v1 generic trap N maps to prefix.(N+1).
	genericTrapPrefix = "1.3.6.1.6.3.1.1.5"

	genericEnterpriseSpecific = 6
)

// ValidationConfig holds configuration for message validation
type ValidationConfig struct {
	Community    string `json:"community"`
	MaxVarbinds  int    `json:"max_varbinds"`
	MaxOIDLength int    `json:"max_oid_length"`
}

// DefaultValidationConfig returns a default validation configuration
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		Community:    "",
		MaxVarbinds:  256,
		MaxOIDLength: 128,
	}
}

// Validator admits or rejects decoded messages.
type Validator struct {
	config  *ValidationConfig
	metrics metrics.Sink
	logger  logging.Logger
}

// NewValidator creates a validator from the server.* configuration.
func NewValidator(cfg config.Provider, sink metrics.Sink, logger logging.Logger) (*Validator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	validationConfig := DefaultValidationConfig()

	if community, err := cfg.GetString("server.community", validationConfig.Community); err == nil {
		validationConfig.Community = community
	}

	if maxVarbinds, err := cfg.GetInt("server.max_varbinds", validationConfig.MaxVarbinds); err == nil {
		validationConfig.MaxVarbinds = maxVarbinds
	}

	if maxOIDLength, err := cfg.GetInt("server.max_oid_length", validationConfig.MaxOIDLength); err == nil {
		validationConfig.MaxOIDLength = maxOIDLength
	}

	return New(validationConfig, sink, logger), nil
}

// New creates a validator from an explicit configuration.
func New(validationConfig *ValidationConfig, sink metrics.Sink, logger logging.Logger) *Validator {
	if validationConfig == nil {
		validationConfig = DefaultValidationConfig()
	}
	if sink == nil {
		sink = metrics.Discard
	}
	return &Validator{
		config:  validationConfig,
		metrics: sink,
		logger:  logger.With("component", "validator"),
	}
}

// Validate applies the admission rules in order and returns the notification
// built from msg. Every rejection is a *types.RejectionError, already counted
// and logged.
func (v *Validator) Validate(msg *types.Message) (*types.Notification, error) {
	n, err := v.validate(msg)
	if err != nil {
		var rejection *types.RejectionError
		if errors.As(err, &rejection) {
			v.record(rejection)
		}
		return nil, err
	}
	return n, nil
}

// RecordDecodeFailure counts and logs a message the decoder could not parse.
func (v *Validator) RecordDecodeFailure(host string, err error) *types.RejectionError {
	rejection := types.Reject(types.ReasonDecodeFailure, host, "%v", err)
	v.record(rejection)
	return rejection
}

func (v *Validator) validate(msg *types.Message) (*types.Notification, error) {
	if msg == nil {
		return nil, types.Reject(types.ReasonDecodeFailure, "", "message is nil")
	}
	host := msg.Source

	if !msg.Version.Known() {
		return nil, types.Reject(types.ReasonUnsupportedVersion, host, "unsupported SNMP version %s", msg.Version)
	}

	if v.config.Community != "" && msg.Version.CommunityBased() && msg.Community != v.config.Community {
		return nil, types.Reject(types.ReasonCommunityMismatch, host, "invalid community %q", msg.Community)
	}

	if msg.Version.CommunityBased() && msg.PDUType != msg.Version.TrapPDU() {
		return nil, types.Reject(types.ReasonWrongPduType, host, "non-trap notification %s for %s", msg.PDUType, msg.Version)
	}

	if !msg.Version.CommunityBased() {
		return nil, types.Reject(types.ReasonUnsupportedVersion, host, "trap not in v1 or v2c (%s)", msg.Version)
	}

	n, err := v.convert(msg)
	if err != nil {
		return nil, types.Reject(types.ReasonDecodeFailure, host, "invalid trap: %v", err)
	}
	return n, nil
}

func (v *Validator) record(rejection *types.RejectionError) {
	switch rejection.Reason {
	case types.ReasonCommunityMismatch:
		v.metrics.Incr(metrics.UnauthenticatedNotification, 1)
		v.logger.Warn("Received trap with invalid community, discarding",
			"host", rejection.Host, "reason", string(rejection.Reason), "detail", rejection.Message)
	case types.ReasonUnsupportedVersion:
		v.metrics.Incr(metrics.UnsupportedNotification, 1)
		v.logger.Error("Unsupported SNMP version",
			"host", rejection.Host, "reason", string(rejection.Reason), "detail", rejection.Message)
	default:
		v.metrics.Incr(metrics.UnsupportedNotification, 1)
		v.logger.Warn("Rejected notification",
			"host", rejection.Host, "reason", string(rejection.Reason), "detail", rejection.Message)
	}
}

// convert builds the trap notification. Sent is the receipt time truncated
// to whole seconds so peers receiving the same trap compute the same key.
func (v *Validator) convert(msg *types.Message) (*types.Notification, error) {
	if len(msg.Varbinds) > v.config.MaxVarbinds {
		return nil, fmt.Errorf("too many varbinds: %d > %d", len(msg.Varbinds), v.config.MaxVarbinds)
	}

	n := &types.Notification{
		Host:     msg.Source,
		Version:  msg.Version,
		TrapType: msg.PDUType.TrapType(),
		Sent:     msg.ReceivedAt.UTC().Truncate(time.Second),
	}

	raw := msg.Varbinds
	switch msg.PDUType {
	case types.PDUTypeTrap:
		oid, err := v1TrapOID(msg)
		if err != nil {
			return nil, err
		}
		n.OID = oid
	default:
		oid, rest, err := v2TrapOID(raw)
		if err != nil {
			return nil, err
		}
		n.OID = oid
		raw = rest
	}

	if err := v.checkOID(n.OID); err != nil {
		return nil, fmt.Errorf("trap OID: %w", err)
	}

	n.Varbinds = make([]types.Varbind, 0, len(raw))
	for i, rv := range raw {
		vb, err := v.convertVarbind(rv)
		if err != nil {
			return nil, fmt.Errorf("varbind %d: %w", i, err)
		}
		n.Varbinds = append(n.Varbinds, vb)
	}

	return n, nil
}

func v1TrapOID(msg *types.Message) (string, error) {
	switch {
	case msg.GenericTrap >= 0 && msg.GenericTrap < genericEnterpriseSpecific:
		return fmt.Sprintf("%s.%d", genericTrapPrefix, msg.GenericTrap+1), nil
	case msg.GenericTrap == genericEnterpriseSpecific:
		if msg.Enterprise == "" {
			return "", fmt.Errorf("enterprise-specific trap without enterprise")
		}
		return fmt.Sprintf("%s.0.%d", msg.Enterprise, msg.SpecificTrap), nil
	default:
		return "", fmt.Errorf("invalid generic trap %d", msg.GenericTrap)
	}
}

// v2TrapOID finds snmpTrapOID.0 and strips it and sysUpTime.0 from the bindings.
func v2TrapOID(raw []types.RawVarbind) (string, []types.RawVarbind, error) {
	var trapOID string
	rest := make([]types.RawVarbind, 0, len(raw))
	for _, rv := range raw {
		switch rv.OID {
		case SnmpTrapOID:
			if rv.Type != types.TypeObjectIdentifier {
				return "", nil, fmt.Errorf("snmpTrapOID.0 is not an object identifier")
			}
			s, ok := rv.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("snmpTrapOID.0 has value %T", rv.Value)
			}
			trapOID = decoder.NormalizeOID(s)
		case SysUpTimeOID:
		default:
			rest = append(rest, rv)
		}
	}
	if trapOID == "" {
		return "", nil, fmt.Errorf("missing snmpTrapOID.0")
	}
	return trapOID, rest, nil
}

func (v *Validator) convertVarbind(rv types.RawVarbind) (types.Varbind, error) {
	if err := v.checkOID(rv.OID); err != nil {
		return types.Varbind{}, err
	}

	kind, ok := types.KindForType(rv.Type)
	if !ok {
		return types.Varbind{}, fmt.Errorf("%s: unsupported value type 0x%02x", rv.OID, rv.Type)
	}

	value, err := normalizeValue(kind, rv.Value)
	if err != nil {
		return types.Varbind{}, fmt.Errorf("%s: %w", rv.OID, err)
	}
	if kind == types.KindOID {
		if err := v.checkOID(value.(string)); err != nil {
			return types.Varbind{}, fmt.Errorf("%s: value: %w", rv.OID, err)
		}
	}

	return types.Varbind{OID: rv.OID, Value: value, Kind: kind}, nil
}

func (v *Validator) checkOID(oid string) error {
	if !ValidOID(oid) {
		return fmt.Errorf("malformed OID %q", oid)
	}
	if strings.Count(oid, ".")+1 > v.config.MaxOIDLength {
		return fmt.Errorf("OID %q exceeds %d sub-identifiers", oid, v.config.MaxOIDLength)
	}
	return nil
}

// ValidOID reports whether oid is a dotted-numeric object identifier with at
// least two arcs.
func ValidOID(oid string) bool {
	parts := strings.Split(oid, ".")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		if _, err := strconv.ParseUint(part, 10, 32); err != nil {
			return false
		}
	}
	return true
}

func normalizeValue(kind types.ValueKind, value any) (any, error) {
	switch kind {
	case types.KindNull:
		return nil, nil
	case types.KindInteger:
		return toInt64(value)
	case types.KindCounter, types.KindGauge, types.KindTimeTicks, types.KindCounter64:
		return toUint64(value)
	case types.KindOctet, types.KindOpaque:
		switch b := value.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
	case types.KindOID:
		if s, ok := value.(string); ok {
			return decoder.NormalizeOID(s), nil
		}
	case types.KindIPAddress:
		switch ip := value.(type) {
		case string:
			if net.ParseIP(ip) == nil {
				return nil, fmt.Errorf("invalid IP address %q", ip)
			}
			return ip, nil
		case net.IP:
			return ip.String(), nil
		}
	}
	return nil, fmt.Errorf("unexpected %s value %T", kind, value)
}

func toInt64(value any) (int64, error) {
	switch n := value.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected integer value %T", value)
}

func toUint64(value any) (uint64, error) {
	switch n := value.(type) {
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		if n >= 0 {
			return uint64(n), nil
		}
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	}
	return 0, fmt.Errorf("unexpected unsigned value %T", value)
}
