package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// MaxMessageSize caps the wire size of a job message. Keep the payload
	// to the PR number and the evaluation URL; workers refetch everything
	// else themselves.
	MaxMessageSize = 2048

	subjectPrefix = "review.jobs."
	streamPrefix  = "REVIEW-JOBS-"
)

// Message is the wire format of one build job.
type Message struct {
	PR        int     `json:"pr"`
	OfborgURL *string `json:"ofborg_url"`
}

// ErrTooLarge is returned when a marshalled message exceeds MaxMessageSize.
var ErrTooLarge = errors.New("queue: message exceeds size limit")

// Client wraps a NATS JetStream connection holding one work queue stream
// per build architecture. Streams use work-queue retention so an acked
// message is gone for good.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials NATS and prepares a JetStream context.
func Connect(url string, opts ...nats.Option) (*Client, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Client{conn: nc, js: js}, nil
}

// Close drains and shuts down the underlying connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// EnsureStream creates the work queue stream for a system if it does not
// exist yet. Safe to call from every process on startup.
func (c *Client) EnsureStream(system string) error {
	if c == nil {
		return errors.New("nil queue client")
	}

	name := streamName(system)
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject(system)},
		Retention:  nats.WorkQueuePolicy,
		MaxMsgSize: MaxMessageSize,
	})
	return err
}

// Send publishes one job message onto the queue for the given system.
// The returned error covers both marshalling and the broker ack.
func (c *Client) Send(ctx context.Context, system string, msg Message) error {
	if c == nil {
		return errors.New("nil queue client")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	_, err = c.js.Publish(subject(system), data, nats.Context(ctx))
	return err
}

// Delivery is one received job message. Delete must be called before the
// job runs; with work-queue retention the ack removes the message so it is
// never redelivered, even if this process dies mid-build.
type Delivery struct {
	body []byte
	msg  *nats.Msg
}

// Body returns the message payload.
func (d *Delivery) Body() []byte {
	if d == nil {
		return nil
	}
	return d.body
}

// Delete acknowledges the message synchronously, removing it from the
// stream.
func (d *Delivery) Delete() error {
	if d == nil || d.msg == nil {
		return errors.New("nil delivery")
	}
	return d.msg.AckSync()
}

// Receiver is a durable pull consumer for one system's queue.
type Receiver struct {
	sub *nats.Subscription
}

// Receiver binds a durable pull consumer to the system's stream. The
// broker guarantees at most one outstanding delivery per message during
// its ack window.
func (c *Client) Receiver(system string) (*Receiver, error) {
	if c == nil {
		return nil, errors.New("nil queue client")
	}
	if err := c.EnsureStream(system); err != nil {
		return nil, err
	}

	sub, err := c.js.PullSubscribe(
		subject(system),
		"builder-"+sanitize(system),
		nats.AckExplicit(),
		nats.AckWait(5*time.Minute),
	)
	if err != nil {
		return nil, err
	}
	return &Receiver{sub: sub}, nil
}

// Fetch long-polls for at most one message within maxWait. A timeout is
// not an error; it returns (nil, nil).
func (r *Receiver) Fetch(ctx context.Context, maxWait time.Duration) (*Delivery, error) {
	if r == nil || r.sub == nil {
		return nil, errors.New("nil receiver")
	}

	msgs, err := r.sub.Fetch(1, nats.MaxWait(maxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &Delivery{body: msgs[0].Data, msg: msgs[0]}, nil
}

// Close drains the consumer subscription.
func (r *Receiver) Close() error {
	if r == nil || r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

func subject(system string) string {
	return subjectPrefix + system
}

func streamName(system string) string {
	return streamPrefix + strings.ToUpper(sanitize(system))
}

func sanitize(system string) string {
	return strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(system)
}
