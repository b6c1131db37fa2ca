// Package lib_layers holds gopacket layers for protocols the standard layer
// set does not register. mDNS shares the DNS wire format but runs multicast
// on UDP port 5353, where gopacket decodes nothing by default; local name
// discovery evidence would be lost without it.
package lib_layers

import (
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MDNS is a decoded Multicast DNS packet.
type MDNS struct {
	layers.BaseLayer
	ID           uint16
	QR           bool
	OpCode       uint8
	ResponseCode uint8
	Questions    []MDNSQuestion
	// Records holds answers, authorities and additionals in wire order;
	// mDNS responders spread address records across all three sections.
	Records []MDNSRecord
}

// MDNSQuestion is one query. The class field's top bit requests a unicast
// response instead of a multicast one.
type MDNSQuestion struct {
	Name            string
	Type            layers.DNSType
	Class           layers.DNSClass
	UnicastResponse bool
}

// MDNSRecord is one resource record. The class field's top bit is the mDNS
// cache-flush request. Only data of record types relevant for name
// discovery is parsed.
type MDNSRecord struct {
	Name       string
	Type       layers.DNSType
	CacheFlush bool
	TTL        uint32
	IP         net.IP // A and AAAA
	PTR        string // PTR
	Target     string // SRV target host
	Port       uint16 // SRV port
}

var errMalformedMDNS = errors.New("malformed mDNS packet")

// LayerTypeMDNS is registered outside gopacket's reserved range.
var LayerTypeMDNS = gopacket.RegisterLayerType(
	1002,
	gopacket.LayerTypeMetadata{
		Name:    "MDNS",
		Decoder: gopacket.DecodeFunc(decodeMDNS),
	},
)

func (m *MDNS) LayerType() gopacket.LayerType { return LayerTypeMDNS }

func (m *MDNS) CanDecode() gopacket.LayerClass { return LayerTypeMDNS }

func (m *MDNS) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func decodeMDNS(data []byte, p gopacket.PacketBuilder) error {
	m := &MDNS{}
	if err := m.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(m)
	return p.NextDecoder(m.NextLayerType())
}

// DecodeFromBytes parses the DNS-format header and all record sections.
func (m *MDNS) DecodeFromBytes(data []byte, _ gopacket.DecodeFeedback) error {
	if len(data) < 12 {
		return errMalformedMDNS
	}
	m.BaseLayer = layers.BaseLayer{Contents: data}

	m.ID = binary.BigEndian.Uint16(data[0:2])
	flags := binary.BigEndian.Uint16(data[2:4])
	m.QR = flags&0x8000 != 0
	m.OpCode = uint8(flags >> 11 & 0x0f)
	m.ResponseCode = uint8(flags & 0x0f)

	qdCount := int(binary.BigEndian.Uint16(data[4:6]))
	recordCount := int(binary.BigEndian.Uint16(data[6:8])) +
		int(binary.BigEndian.Uint16(data[8:10])) +
		int(binary.BigEndian.Uint16(data[10:12]))

	offset := 12
	m.Questions = make([]MDNSQuestion, 0, qdCount)
	for i := 0; i < qdCount; i++ {
		name, next, err := decodeName(data, offset)
		if err != nil {
			return err
		}
		if len(data) < next+4 {
			return errMalformedMDNS
		}
		classBits := binary.BigEndian.Uint16(data[next+2 : next+4])
		m.Questions = append(m.Questions, MDNSQuestion{
			Name:            name,
			Type:            layers.DNSType(binary.BigEndian.Uint16(data[next : next+2])),
			Class:           layers.DNSClass(classBits & 0x7fff),
			UnicastResponse: classBits&0x8000 != 0,
		})
		offset = next + 4
	}

	m.Records = make([]MDNSRecord, 0, recordCount)
	for i := 0; i < recordCount; i++ {
		record, next, err := decodeRecord(data, offset)
		if err != nil {
			return err
		}
		m.Records = append(m.Records, record)
		offset = next
	}
	return nil
}

func decodeRecord(data []byte, offset int) (MDNSRecord, int, error) {
	var record MDNSRecord
	name, offset, err := decodeName(data, offset)
	if err != nil {
		return record, offset, err
	}
	if len(data) < offset+10 {
		return record, offset, errMalformedMDNS
	}
	record.Name = name
	record.Type = layers.DNSType(binary.BigEndian.Uint16(data[offset : offset+2]))
	classBits := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	record.CacheFlush = classBits&0x8000 != 0
	record.TTL = binary.BigEndian.Uint32(data[offset+4 : offset+8])
	length := int(binary.BigEndian.Uint16(data[offset+8 : offset+10]))
	offset += 10
	if len(data) < offset+length {
		return record, offset, errMalformedMDNS
	}
	rdata := data[offset : offset+length]

	switch record.Type {
	case layers.DNSTypeA:
		if length == 4 {
			record.IP = net.IP(rdata)
		}
	case layers.DNSTypeAAAA:
		if length == 16 {
			record.IP = net.IP(rdata)
		}
	case layers.DNSTypePTR:
		record.PTR, _, err = decodeName(data, offset)
		if err != nil {
			return record, offset, err
		}
	case layers.DNSTypeSRV:
		if length < 6 {
			return record, offset, errMalformedMDNS
		}
		record.Port = binary.BigEndian.Uint16(rdata[4:6])
		record.Target, _, err = decodeName(data, offset+6)
		if err != nil {
			return record, offset, err
		}
	}
	return record, offset + length, nil
}

// decodeName reads a possibly compressed DNS name. The pointer count is
// bounded so crafted loops cannot hang the decoder.
func decodeName(data []byte, offset int) (string, int, error) {
	var labels []string
	next := -1
	pointers := 0
	for {
		if offset >= len(data) {
			return "", offset, errMalformedMDNS
		}
		length := int(data[offset])
		switch {
		case length == 0:
			offset++
			if next < 0 {
				next = offset
			}
			return strings.Join(labels, "."), next, nil
		case length&0xc0 == 0xc0:
			if offset+1 >= len(data) {
				return "", offset, errMalformedMDNS
			}
			if next < 0 {
				next = offset + 2
			}
			pointers++
			if pointers > 16 {
				return "", offset, errMalformedMDNS
			}
			offset = int(binary.BigEndian.Uint16(data[offset:offset+2]) & 0x3fff)
		case length&0xc0 != 0:
			return "", offset, errMalformedMDNS
		default:
			if offset+1+length > len(data) {
				return "", offset, errMalformedMDNS
			}
			labels = append(labels, string(data[offset+1:offset+1+length]))
			offset += 1 + length
		}
	}
}

var registerMDNS sync.Once

// InitLayerMDNS binds the mDNS decoder to UDP port 5353. Safe to call more
// than once.
func InitLayerMDNS() {
	registerMDNS.Do(func() {
		layers.RegisterUDPPortLayerType(5353, LayerTypeMDNS)
	})
}
