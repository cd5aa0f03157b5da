// Package types provides the SNMP constants and the trap notification model
// shared by every pipeline stage.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Version is the SNMP message version tag as carried on the wire.
type Version int

// SNMP version constants
const (
	Version1  Version = 0
	Version2c Version = 1
	Version3  Version = 3
)

// String returns the version label used in storage and logs.
func (v Version) String() string {
	switch v {
	case Version1:
		return "v1"
	case Version2c:
		return "v2c"
	case Version3:
		return "v3"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Known reports whether the tag is a recognized SNMP version.
func (v Version) Known() bool {
	return v == Version1 || v == Version2c || v == Version3
}

// TrapPDU returns the trap PDU type of the version, or PDUTypeUnknown for
// versions without a community-based trap.
func (v Version) TrapPDU() PDUType {
	switch v {
	case Version1:
		return PDUTypeTrap
	case Version2c:
		return PDUTypeTrapV2
	default:
		return PDUTypeUnknown
	}
}

// CommunityBased reports whether messages of this version carry a community string.
func (v Version) CommunityBased() bool {
	return v == Version1 || v == Version2c
}

// ParseVersion parses a version label produced by Version.String.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(s) {
	case "v1", "1":
		return Version1, nil
	case "v2c", "2c", "2":
		return Version2c, nil
	case "v3", "3":
		return Version3, nil
	default:
		return 0, fmt.Errorf("unknown SNMP version: %q", s)
	}
}

// PDUType is the SNMP PDU tag (context-specific constructed tag number).
type PDUType int

// SNMP PDU type constants
const (
	PDUTypeGetRequest     PDUType = 0
	PDUTypeGetNextRequest PDUType = 1
	PDUTypeGetResponse    PDUType = 2
	PDUTypeSetRequest     PDUType = 3
	PDUTypeTrap           PDUType = 4
	PDUTypeGetBulkRequest PDUType = 5
	PDUTypeInformRequest  PDUType = 6
	PDUTypeTrapV2         PDUType = 7
	PDUTypeReport         PDUType = 8
	PDUTypeUnknown        PDUType = -1
)

// String returns a human-readable PDU type name.
func (p PDUType) String() string {
	switch p {
	case PDUTypeGetRequest:
		return "GetRequest"
	case PDUTypeGetNextRequest:
		return "GetNextRequest"
	case PDUTypeGetResponse:
		return "GetResponse"
	case PDUTypeSetRequest:
		return "SetRequest"
	case PDUTypeTrap:
		return "Trap"
	case PDUTypeGetBulkRequest:
		return "GetBulkRequest"
	case PDUTypeInformRequest:
		return "InformRequest"
	case PDUTypeTrapV2:
		return "SNMPv2Trap"
	case PDUTypeReport:
		return "Report"
	default:
		return "Unknown"
	}
}

// IsTrap reports whether the PDU is an unacknowledged trap. Informs are not
// traps: they expect a Response this receiver never sends.
func (p PDUType) IsTrap() bool {
	return p == PDUTypeTrap || p == PDUTypeTrapV2
}

// TrapType returns the stored trap type label for a trap-class PDU.
func (p PDUType) TrapType() string {
	switch p {
	case PDUTypeTrap:
		return "trap"
	case PDUTypeTrapV2:
		return "trap2"
	default:
		return ""
	}
}

// SNMP BER data type constants
const (
	TypeInteger          = 0x02
	TypeOctetString      = 0x04
	TypeNull             = 0x05
	TypeObjectIdentifier = 0x06
	TypeIPAddress        = 0x40
	TypeCounter32        = 0x41
	TypeGauge32          = 0x42
	TypeTimeTicks        = 0x43
	TypeOpaque           = 0x44
	TypeCounter64        = 0x46
)

// ValueKind is the value-kind tag stored alongside every variable binding.
type ValueKind string

// Value kinds
const (
	KindInteger   ValueKind = "integer"
	KindOctet     ValueKind = "octet"
	KindNull      ValueKind = "null"
	KindOID       ValueKind = "oid"
	KindIPAddress ValueKind = "ipaddress"
	KindCounter   ValueKind = "counter"
	KindGauge     ValueKind = "gauge"
	KindTimeTicks ValueKind = "timeticks"
	KindOpaque    ValueKind = "opaque"
	KindCounter64 ValueKind = "counter64"
)

// KindForType maps a BER type tag to its value kind.
func KindForType(berType int) (ValueKind, bool) {
	switch berType {
	case TypeInteger:
		return KindInteger, true
	case TypeOctetString:
		return KindOctet, true
	case TypeNull:
		return KindNull, true
	case TypeObjectIdentifier:
		return KindOID, true
	case TypeIPAddress:
		return KindIPAddress, true
	case TypeCounter32:
		return KindCounter, true
	case TypeGauge32:
		return KindGauge, true
	case TypeTimeTicks:
		return KindTimeTicks, true
	case TypeOpaque:
		return KindOpaque, true
	case TypeCounter64:
		return KindCounter64, true
	default:
		return "", false
	}
}

// RawVarbind is a variable binding exactly as the decoder produced it.
type RawVarbind struct {
	OID   string
	Type  int
	Value any
}

// Message is a decoded SNMP message handed from the decoder to the validator.
// PDU fields are zero when the version was not decoded past the header.
type Message struct {
	Source     string
	Version    Version
	Community  string
	PDUType    PDUType
	ReceivedAt time.Time

	// v1 trap header
	Enterprise   string
	AgentAddress string
	GenericTrap  int
	SpecificTrap int
	Uptime       uint32

	Varbinds []RawVarbind
}

// Varbind is a typed variable binding of a trap notification.
//
// Values are normalized by kind: integer is int64, counter, gauge,
// timeticks and counter64 are uint64, octet and opaque are []byte,
// oid and ipaddress are string, null is nil.
type Varbind struct {
	OID   string    `json:"oid"`
	Value any       `json:"value"`
	Kind  ValueKind `json:"value_type"`
}

// String returns the raw textual value of the binding.
func (v Varbind) String() string {
	switch val := v.Value.(type) {
	case nil:
		return ""
	case []byte:
		if v.Kind == KindOctet && printable(val) {
			return string(val)
		}
		return "0x" + hex.EncodeToString(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

// canonical is the digest encoding of the value; octets are always hex so
// two distinct byte strings never collide.
func (v Varbind) canonical() string {
	if b, ok := v.Value.([]byte); ok {
		return hex.EncodeToString(b)
	}
	return v.String()
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Notification is a validated trap, annotated by policy before it is stored.
type Notification struct {
	ID       int64      `json:"id"`
	Host     string     `json:"host"`
	Version  Version    `json:"version"`
	TrapType string     `json:"trap_type"`
	OID      string     `json:"oid"`
	Sent     time.Time  `json:"sent"`
	Varbinds []Varbind  `json:"varbinds"`
	Severity string     `json:"severity"`
	Manager  string     `json:"manager"`
	Expires  *time.Time `json:"expires,omitempty"`
}

// Clone returns a copy of n that shares no slices or pointers with it.
func (n *Notification) Clone() *Notification {
	c := *n
	c.Varbinds = make([]Varbind, len(n.Varbinds))
	for i, vb := range n.Varbinds {
		if b, ok := vb.Value.([]byte); ok {
			vb.Value = append([]byte(nil), b...)
		}
		c.Varbinds[i] = vb
	}
	if n.Expires != nil {
		expires := *n.Expires
		c.Expires = &expires
	}
	return &c
}

// Digest returns the content hash of the variable bindings. Together with
// host, OID and sent it forms the deduplication key.
func (n *Notification) Digest() string {
	h := sha256.New()
	for _, vb := range n.Varbinds {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x1e", vb.OID, vb.Kind, vb.canonical())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fields returns the flat notification attributes without the varbinds.
func (n *Notification) Fields() map[string]any {
	fields := map[string]any{
		"id":        n.ID,
		"host":      n.Host,
		"version":   n.Version.String(),
		"trap_type": n.TrapType,
		"oid":       n.OID,
		"sent":      n.Sent.UTC().Format(time.RFC3339),
		"severity":  n.Severity,
		"manager":   n.Manager,
		"expires":   nil,
	}
	if n.Expires != nil {
		fields["expires"] = n.Expires.UTC().Format(time.RFC3339)
	}
	return fields
}

// RejectReason names why the validator refused a message.
type RejectReason string

// Rejection reasons
const (
	ReasonUnsupportedVersion RejectReason = "UnsupportedVersion"
	ReasonDecodeFailure      RejectReason = "DecodeFailure"
	ReasonCommunityMismatch  RejectReason = "CommunityMismatch"
	ReasonWrongPduType       RejectReason = "WrongPduType"
)

// RejectionError is returned by the validator for every refused message.
type RejectionError struct {
	Reason  RejectReason
	Host    string
	Message string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s from %s: %s", e.Reason, e.Host, e.Message)
}

// Reject builds a RejectionError.
func Reject(reason RejectReason, host, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Host: host, Message: fmt.Sprintf(format, args...)}
}

// Admission is the transient outcome deciding whether persistence and fan-out run.
type Admission int

// Admission outcomes
const (
	AdmissionNone Admission = iota
	AdmissionAccepted
	AdmissionRejected
	AdmissionBlackholed
)

// String returns the outcome name.
func (a Admission) String() string {
	switch a {
	case AdmissionAccepted:
		return "accepted"
	case AdmissionRejected:
		return "rejected"
	case AdmissionBlackholed:
		return "blackholed"
	default:
		return "none"
	}
}

// WriteOutcome is the result of one store write.
type WriteOutcome int

// Write outcomes
const (
	WriteSkipped WriteOutcome = iota
	WriteStored
	WriteDuplicate
	WriteFailed
)

// String returns the outcome name.
func (w WriteOutcome) String() string {
	switch w {
	case WriteStored:
		return "stored"
	case WriteDuplicate:
		return "duplicate"
	case WriteFailed:
		return "failed"
	default:
		return "skipped"
	}
}
