package rocegen

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yuuki/rocespray/internal/header"
)

// Step is one packet of a scripted message
type Step struct {
	Type string `yaml:"type"`
	ID   uint32 `yaml:"id"`
	// Last marks the final packet of the run
	Last bool `yaml:"last"`
}

// Message is the packet sequence sent to one QP
type Message struct {
	QPID     uint32 `yaml:"qpId"`
	Sequence []Step `yaml:"sequence"`
}

// LoadScript reads a YAML message script from path
func LoadScript(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML message script
func ParseScript(data []byte) ([]Message, error) {
	var msgs []Message
	if err := yaml.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("script has no messages")
	}
	for i, m := range msgs {
		if m.QPID > header.MaxSeq {
			return nil, fmt.Errorf("message %d: qpId %d does not fit in 24 bits", i, m.QPID)
		}
		for j, s := range m.Sequence {
			if _, err := parseOpcode(s.Type); err != nil {
				return nil, fmt.Errorf("message %d step %d: %w", i, j, err)
			}
			if s.ID > header.MaxSeq {
				return nil, fmt.Errorf("message %d step %d: id %d does not fit in 24 bits", i, j, s.ID)
			}
		}
	}
	return msgs, nil
}

func parseOpcode(s string) (header.Opcode, error) {
	switch s {
	case "First":
		return header.OpFirst, nil
	case "Middle":
		return header.OpMiddle, nil
	case "Last":
		return header.OpLast, nil
	}
	return 0, fmt.Errorf("unknown packet type %q", s)
}

// AutoMessages builds messages of packets packets each with consecutive
// sequence numbers from start. A one-packet message is sent as Last.
func AutoMessages(messages, packets int, qp, start uint32) []Message {
	msgs := make([]Message, 0, messages)
	seq := start
	total := messages * packets
	sent := 0
	for range messages {
		m := Message{QPID: qp, Sequence: make([]Step, 0, packets)}
		for j := range packets {
			typ := "Middle"
			switch {
			case j == packets-1:
				typ = "Last"
			case j == 0:
				typ = "First"
			}
			sent++
			m.Sequence = append(m.Sequence, Step{Type: typ, ID: seq & header.MaxSeq, Last: sent == total})
			seq++
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// Headers returns the BTHs of msg. Last packets request an ACK and the
// final packet of the run sets reserved bit 0.
func Headers(msg Message, pkey uint16) []header.BTH {
	hdrs := make([]header.BTH, 0, len(msg.Sequence))
	for _, s := range msg.Sequence {
		op, _ := parseOpcode(s.Type)
		h := header.BTH{
			Opcode:       op,
			PartitionKey: pkey,
			DestQP:       msg.QPID,
			PSN:          s.ID,
		}
		if op == header.OpLast {
			h.Ack = header.AckRequest
		}
		if s.Last {
			h.Reserved = 1
		}
		hdrs = append(hdrs, h)
	}
	return hdrs
}

// Announcement summarizes msgs as a CtrlSequence
func Announcement(msgs []Message, startEnd uint8) header.CtrlSequence {
	c := header.CtrlSequence{StartEnd: startEnd}
	first := true
	for _, m := range msgs {
		for _, s := range m.Sequence {
			if first {
				c.First = s.ID
				c.QPID = m.QPID
				first = false
			}
			c.Last = s.ID
			c.NumPacket++
		}
	}
	return c
}
