// Package client holds outbound collaborators: the NATS connection and the
// notification publisher built on it.
package client

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps a NATS connection with a JetStream publishing context.
type NATSClient struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// ConnectNATS dials the NATS server and initializes JetStream.
func ConnectNATS(url string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-pm-approvals"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &NATSClient{conn: conn, js: js}, nil
}

// Publish sends a message to a JetStream subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
