package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petnest/paycore/internal/reconciliation"
)

// DefaultSubjectPrefix roots the audit subjects.
const DefaultSubjectPrefix = "paycore.reconciliation"

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes outcomes as JSON on <prefix>.<result>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink creates a NATS backend over pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// DialNATS connects to the NATS server at url.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("paycore-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an outcome is published on.
func (s *NATSSink) Subject(o *reconciliation.Outcome) string {
	return s.prefix + "." + string(o.Result)
}

func (s *NATSSink) Send(_ context.Context, o *reconciliation.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.Subject(o), data)
}
