package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SignalType represents the type of session signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeControl   SignalType = "control"
)

// Valid reports whether t is one of the known signal types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeControl:
		return true
	}
	return false
}

// SystemSender is the sender id used for messages the server deposits
// into mailboxes (feedback records). It has its own sequence counter per
// session.
const SystemSender = "system"

// SignalMessage is one entry in a participant's mailbox. Messages are
// never mutated after they are appended.
type SignalMessage struct {
	SessionID string          `json:"sessionId"`
	From      string          `json:"from"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Key identifies a message within a mailbox. Two messages with the same
// key are the same message resent.
func (m SignalMessage) Key() string {
	return m.From + ":" + strconv.FormatInt(m.Sequence, 10)
}

// SortBySequence puts each sender's messages in sequence order while
// keeping the mailbox order across senders: every slot held by a sender
// still holds that sender's message, the next-lowest sequence it has.
func SortBySequence(msgs []SignalMessage) {
	bySender := make(map[string][]SignalMessage)
	for _, msg := range msgs {
		bySender[msg.From] = append(bySender[msg.From], msg)
	}
	for _, group := range bySender {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Sequence < group[j].Sequence
		})
	}
	for i, msg := range msgs {
		group := bySender[msg.From]
		msgs[i] = group[0]
		bySender[msg.From] = group[1:]
	}
}

// ControlKind identifies the payload of a control message.
type ControlKind string

const (
	ControlConnected     ControlKind = "connected"
	ControlNextQuestion  ControlKind = "next_question"
	ControlAnswerStarted ControlKind = "answer_started"
	ControlAnswerStopped ControlKind = "answer_stopped"
	ControlFeedback      ControlKind = "feedback"
	ControlHangup        ControlKind = "hangup"
)

// ControlMessage is the payload of a SignalTypeControl message.
type ControlMessage struct {
	Kind     ControlKind     `json:"kind"`
	Question string          `json:"question,omitempty"`
	Index    int             `json:"index,omitempty"`
	Feedback *FeedbackRecord `json:"feedback,omitempty"`
}

// EncodeControl marshals a control payload.
func EncodeControl(c ControlMessage) (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding control message: %w", err)
	}
	return data, nil
}

// DecodeControl unmarshals a control payload.
func DecodeControl(payload json.RawMessage) (ControlMessage, error) {
	var c ControlMessage
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, fmt.Errorf("decoding control message: %w", err)
	}
	return c, nil
}

// Watermarks maps a sender id to the highest sequence already applied
// from that sender.
type Watermarks map[string]int64

// Above reports whether msg is newer than the watermark for its sender.
func (w Watermarks) Above(msg SignalMessage) bool {
	return msg.Sequence > w[msg.From]
}

// Encode renders the watermarks as "sender:seq" query values, sorted so
// requests are stable.
func (w Watermarks) Encode() []string {
	values := make([]string, 0, len(w))
	for sender, seq := range w {
		values = append(values, sender+":"+strconv.FormatInt(seq, 10))
	}
	sort.Strings(values)
	return values
}

// ParseWatermarks reverses Encode. Sender ids may contain colons; the
// sequence is everything after the last one.
func ParseWatermarks(values []string) (Watermarks, error) {
	w := make(Watermarks, len(values))
	for _, v := range values {
		idx := strings.LastIndex(v, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("malformed watermark %q", v)
		}
		seq, err := strconv.ParseInt(v[idx+1:], 10, 64)
		if err != nil || seq < 0 {
			return nil, fmt.Errorf("malformed watermark %q", v)
		}
		w[v[:idx]] = seq
	}
	return w, nil
}
