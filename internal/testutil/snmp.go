package testutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Well-known OIDs used by the generators.
const (
	SysUpTimeOID   = ".1.3.6.1.2.1.1.3.0"
	SnmpTrapOID    = ".1.3.6.1.6.3.1.1.4.1.0"
	SysLocationOID = ".1.3.6.1.2.1.1.6.0"
	LinkDownOID    = "1.3.6.1.6.3.1.1.5.3"
)

// TrapGenerator builds wire-encoded SNMP messages for tests. Output is
// deterministic: the same arguments always produce the same bytes.
type TrapGenerator struct {
	Community string
	Uptime    uint32
}

// NewTrapGenerator creates a generator for the given community.
func NewTrapGenerator(community string) *TrapGenerator {
	return &TrapGenerator{Community: community, Uptime: 4242}
}

// V2cTrap encodes an SNMPv2-Trap carrying sysUpTime.0, snmpTrapOID.0 and vars.
func (g *TrapGenerator) V2cTrap(trapOID string, vars ...gosnmp.SnmpPDU) ([]byte, error) {
	variables := []gosnmp.SnmpPDU{
		{Name: SysUpTimeOID, Type: gosnmp.TimeTicks, Value: g.Uptime},
		{Name: SnmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: "." + trapOID},
	}
	variables = append(variables, vars...)
	return g.encode(gosnmp.Version2c, gosnmp.SNMPv2Trap, variables)
}

// V1Trap encodes an SNMPv1 Trap-PDU.
func (g *TrapGenerator) V1Trap(enterprise string, generic, specific int, vars ...gosnmp.SnmpPDU) ([]byte, error) {
	packet := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: g.Community,
		PDUType:   gosnmp.Trap,
		Variables: vars,
		SnmpTrap: gosnmp.SnmpTrap{
			Enterprise:   "." + enterprise,
			AgentAddress: "192.0.2.1",
			GenericTrap:  generic,
			SpecificTrap: specific,
			Timestamp:    uint(g.Uptime),
		},
	}
	return packet.MarshalMsg()
}

// Request encodes a non-trap PDU of the given type.
func (g *TrapGenerator) Request(version gosnmp.SnmpVersion, pduType gosnmp.PDUType, vars ...gosnmp.SnmpPDU) ([]byte, error) {
	return g.encode(version, pduType, vars)
}

func (g *TrapGenerator) encode(version gosnmp.SnmpVersion, pduType gosnmp.PDUType, vars []gosnmp.SnmpPDU) ([]byte, error) {
	packet := &gosnmp.SnmpPacket{
		Version:   version,
		Community: g.Community,
		PDUType:   pduType,
		RequestID: 1,
		Variables: vars,
	}
	data, err := packet.MarshalMsg()
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	return data, nil
}

// OctetString builds an OCTET STRING varbind.
func OctetString(oid, value string) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: value}
}

// Integer builds an INTEGER varbind.
func Integer(oid string, value int) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Integer, Value: value}
}

// SendUDP writes data to a UDP listener.
func SendUDP(addr string, data []byte) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to listener: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send packet: %w", err)
	}
	return nil
}

// WaitForCondition polls condition until it holds or timeout elapses.
func WaitForCondition(condition func() bool, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
		}
	}
}
