package room

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slichti/studio-chat/service/store"
	errs "github.com/slichti/studio-chat/tools/errs"
)

// Wire frame types. Clients only ever send "message"; everything else is
// server-to-client.
const (
	FrameMessage    = "message"
	FrameHistory    = "history"
	FrameUserJoined = "user_joined"
	FrameError      = "error"
)

const maxContentBytes = 4096

// ClientFrame is the one inbound shape in scope:
// {"type":"message","content":"..."}
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ParseClientFrame decodes and validates an inbound frame. Identity is
// never read from the payload; the session supplies it.
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	frame := &ClientFrame{}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, errs.ErrMalformedFrame.WithDetail(err.Error())
	}
	if frame.Type != FrameMessage {
		return nil, errs.ErrMalformedFrame.WithDetail(fmt.Sprintf("unsupported type %q", frame.Type))
	}
	if strings.TrimSpace(frame.Content) == "" {
		return nil, errs.ErrMalformedFrame.WithDetail("empty content")
	}
	if len(frame.Content) > maxContentBytes {
		return nil, errs.ErrMalformedFrame.WithDetail("content too large")
	}
	return frame, nil
}

type wireMessage struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}

func toWire(m *store.Message) wireMessage {
	return wireMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

// ---- server frame builders ----

func BuildHistory(msgs []*store.Message) []byte {
	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, toWire(m))
	}
	b, _ := json.Marshal(struct {
		Type     string        `json:"type"`
		Messages []wireMessage `json:"messages"`
	}{Type: FrameHistory, Messages: wire})
	return b
}

func BuildMessage(m *store.Message) []byte {
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
		wireMessage
	}{Type: FrameMessage, wireMessage: toWire(m)})
	return b
}

func BuildUserJoined(displayName string, atMillis int64) []byte {
	b, _ := json.Marshal(struct {
		Type        string `json:"type"`
		DisplayName string `json:"displayName"`
		CreatedAt   int64  `json:"createdAt"`
	}{Type: FrameUserJoined, DisplayName: displayName, CreatedAt: atMillis})
	return b
}

func errsOf(err error) *errs.CodeError {
	if ce := errs.CodeOf(err); ce != nil {
		return ce
	}
	return errs.ErrMalformedFrame
}

// BuildErrorAck is the per-sender acknowledgment for a rejected frame or
// a failed send; other participants never see it.
func BuildErrorAck(ce *errs.CodeError) []byte {
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}{Type: FrameError, Code: ce.Code, Msg: ce.Msg})
	return b
}
