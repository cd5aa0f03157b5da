// Package decoder turns raw SNMP datagrams into typed messages.
//
// BER decoding itself is delegated to gosnmp; this package only peeks at the
// version tag and maps the gosnmp packet onto types.Message.
package decoder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/gosnmp/gosnmp"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrEmptyMessage is returned for zero-length payloads.
	ErrEmptyMessage = errors.New("empty message")
)

// trapLogger routes gosnmp's internal logging to the component logger at debug level.
type trapLogger struct {
	logger logging.Logger
}

func (l *trapLogger) Print(v ...interface{}) {
	l.logger.Debug(fmt.Sprint(v...))
}

func (l *trapLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

// Decoder decodes SNMP messages. It is safe for concurrent use.
type Decoder struct {
	logger logging.Logger
	now    func() time.Time
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock sets the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a decoder.
func New(logger logging.Logger, opts ...Option) *Decoder {
	d := &Decoder{
		logger: logger.With("component", "decoder"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses data received from source. Messages whose version tag is
// not v1 or v2c are returned with only Source and Version set, so the
// validator can reject them by version.
func (d *Decoder) Decode(data []byte, source string) (*types.Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	msg := &types.Message{
		Source:     source,
		PDUType:    types.PDUTypeUnknown,
		ReceivedAt: d.now().UTC(),
	}

	// The version peek is strict DER; agents using long-form lengths fall
	// through to gosnmp which is lenient.
	if version, err := PeekVersion(data); err == nil {
		msg.Version = version
		if !version.CommunityBased() {
			return msg, nil
		}
	}

	params := &gosnmp.GoSNMP{
		Logger: gosnmp.NewLogger(&trapLogger{logger: d.logger}),
	}
	packet, err := params.UnmarshalTrap(data, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SNMP message: %w", err)
	}
	if packet == nil {
		return nil, fmt.Errorf("failed to decode SNMP message: no packet")
	}

	msg.Version = types.Version(packet.Version)
	msg.Community = packet.Community
	msg.PDUType = pduType(packet.PDUType)

	if msg.PDUType == types.PDUTypeTrap {
		msg.Enterprise = NormalizeOID(packet.Enterprise)
		msg.AgentAddress = packet.AgentAddress
		msg.GenericTrap = packet.GenericTrap
		msg.SpecificTrap = packet.SpecificTrap
		msg.Uptime = uint32(packet.Timestamp)
	}

	msg.Varbinds = make([]types.RawVarbind, 0, len(packet.Variables))
	for _, v := range packet.Variables {
		msg.Varbinds = append(msg.Varbinds, types.RawVarbind{
			OID:   NormalizeOID(v.Name),
			Type:  int(v.Type),
			Value: v.Value,
		})
	}

	return msg, nil
}

// PeekVersion reads the version tag of an SNMP message without decoding the PDU.
func PeekVersion(data []byte) (types.Version, error) {
	input := cryptobyte.String(data)
	var message cryptobyte.String
	if !input.ReadASN1(&message, cbasn1.SEQUENCE) {
		return 0, errors.New("message is not a sequence")
	}
	var version int64
	if !message.ReadASN1Integer(&version) {
		return 0, errors.New("message has no version integer")
	}
	return types.Version(version), nil
}

// NormalizeOID strips the leading dot gosnmp puts on object identifiers.
func NormalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

func pduType(t gosnmp.PDUType) types.PDUType {
	switch t {
	case gosnmp.GetRequest:
		return types.PDUTypeGetRequest
	case gosnmp.GetNextRequest:
		return types.PDUTypeGetNextRequest
	case gosnmp.GetResponse:
		return types.PDUTypeGetResponse
	case gosnmp.SetRequest:
		return types.PDUTypeSetRequest
	case gosnmp.Trap:
		return types.PDUTypeTrap
	case gosnmp.GetBulkRequest:
		return types.PDUTypeGetBulkRequest
	case gosnmp.InformRequest:
		return types.PDUTypeInformRequest
	case gosnmp.SNMPv2Trap:
		return types.PDUTypeTrapV2
	case gosnmp.Report:
		return types.PDUTypeReport
	default:
		return types.PDUTypeUnknown
	}
}
