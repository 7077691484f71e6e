package bus

import (
	"github.com/nats-io/nats.go"

	"github.com/quantor/mmexec/pkg/types"
)

// Subjects published by the execution core.
const (
	SubjectOrderPlaced   = "mmexec.orders.placed"
	SubjectOrderFilled   = "mmexec.orders.filled"
	SubjectOrderCanceled = "mmexec.orders.canceled"
	SubjectRiskFreeze    = "mmexec.risk.freeze"
)

// Publisher emits execution events for dashboards and downstream consumers.
// Publishing is best-effort; the execution loop never blocks on it.
type Publisher interface {
	Publish(subject string, v any) error
	Close()
}

// NopPublisher drops every event. It is the default when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(string, any) error { return nil }
func (NopPublisher) Close()                    {}

// NATSPublisher publishes canonical-JSON events to a NATS server.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials the NATS server at url.
func Connect(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(subject string, v any) error {
	data, err := types.CanonicalJSON(v)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
