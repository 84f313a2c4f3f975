package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Control packet types used by the broker.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

var errMalformedLength = errors.New("mqtt: malformed remaining length")

// Match reports whether topic matches the subscription filter, honouring
// the single level "+" and multi level "#" wildcards.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

type packetReader []byte

func (p *packetReader) next() (byte, error) {
	if len(*p) == 0 {
		return 0, io.EOF
	}
	v := (*p)[0]
	*p = (*p)[1:]
	return v, nil
}

func (p *packetReader) u16() (uint16, error) {
	if len(*p) < 2 {
		return 0, io.EOF
	}
	v := uint16((*p)[0])<<8 | uint16((*p)[1])
	*p = (*p)[2:]
	return v, nil
}

func (p *packetReader) str() (string, error) {
	n, err := p.u16()
	if err != nil {
		return "", err
	}
	if len(*p) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*p)[:n])
	*p = (*p)[n:]
	return s, nil
}

func (p *packetReader) rest() []byte {
	out := make([]byte, len(*p))
	copy(out, *p)
	*p = nil
	return out
}

func (p *packetReader) remaining() int { return len(*p) }

// publish is a decoded PUBLISH packet. id is set for QoS 1.
type publish struct {
	topic   string
	payload []byte
	qos     byte
	id      uint16
}

func decodePublish(header byte, body []byte) (publish, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return publish{}, fmt.Errorf("unsupported qos %d", qos)
	}
	rd := packetReader(body)
	topic, err := rd.str()
	if err != nil {
		return publish{}, fmt.Errorf("read topic: %w", err)
	}
	p := publish{topic: topic, qos: qos}
	if qos == 1 {
		if p.id, err = rd.u16(); err != nil {
			return publish{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	if rd.remaining() > 0 {
		p.payload = rd.rest()
	}
	return p, nil
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	remaining := 2 + len(topic) + len(payload)
	length := encodeLength(remaining)

	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, length...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// ack builds the fixed four byte acknowledgements (CONNACK, PUBACK, UNSUBACK).
func ack(header byte, id uint16) []byte {
	return []byte{header, 0x02, byte(id >> 8), byte(id)}
}

func encodeSubAck(id uint16, granted []byte) []byte {
	remaining := 2 + len(granted)
	length := encodeLength(remaining)
	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, length...)
	packet = append(packet, byte(id>>8), byte(id))
	return append(packet, granted...)
}

func readLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func encodeLength(n int) []byte {
	if n < 0 {
		n = 0
	}
	var out []byte
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}
