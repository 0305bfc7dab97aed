package device

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSDialer connects to the telemetry-ingest NATS endpoint. Reconnection
// is the transmitter loop's job, so the client's own retry machinery is
// disabled.
type NATSDialer struct {
	URL     string
	Subject string
	Name    string
}

func (d *NATSDialer) Dial() (Conn, error) {
	nc, err := nats.Connect(d.URL,
		nats.Name(d.Name),
		nats.MaxReconnects(0),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", d.URL, err)
	}
	return &natsConn{nc: nc, subject: SubjectToken(d.Subject)}, nil
}

type natsConn struct {
	nc      *nats.Conn
	subject string
}

func (c *natsConn) Send(b []byte) error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("nats connection lost")
	}
	return c.nc.Publish(c.subject, b)
}

func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}

// SubjectToken sanitizes a subject token. Dots are kept so hierarchical
// subjects pass through unchanged.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
