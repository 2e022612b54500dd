package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/slichti/studio-chat/logger"
)

// Room lifecycle and message events published for the rest of the
// product (notification mailer, admin dashboards). Fire-and-forget: chat
// delivery never waits on the bus.
const (
	SubjectRoomOpened     = "chat.room.opened"
	SubjectRoomClosed     = "chat.room.closed"
	SubjectPresenceJoined = "chat.presence.joined"
	SubjectPresenceLeft   = "chat.presence.left"
	SubjectMessageStored  = "chat.message.stored"
)

type Publisher struct {
	nc *nats.Conn
}

func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc}, nil
}

// Publish marshals v as JSON onto subject. Errors are logged, not
// returned to rooms: the bus is an observer, never a dependency.
func (p *Publisher) Publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("[events] marshal %s: %v", subject, err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		logger.Warnf("[events] publish %s: %v", subject, err)
	}
}

func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
