// Package mqtt publishes relay events as JSON to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/onair/internal/history"
)

const (
	DefaultTopic    = "onair/events"
	defaultClientID = "onair"
	publishTimeout  = 2 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

type Sink struct {
	client paho.Client
	topic  string
	qos    byte
}

// New parses a DSN of the form mqtt://[user:pass@]host:port/topic?qos=1&client_id=id
// and starts connecting in the background; reconnects are automatic.
func New(dsn string) (*Sink, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("mqtt dsn: %w", err)
	}
	scheme := "tcp"
	switch u.Scheme {
	case "mqtt", "tcp":
	case "mqtts", "ssl":
		scheme = "ssl"
	default:
		return nil, fmt.Errorf("mqtt dsn: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("mqtt dsn: missing host")
	}
	topic := strings.Trim(u.Path, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	q := u.Query()
	qos := byte(0)
	if v := q.Get("qos"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			return nil, fmt.Errorf("mqtt dsn: invalid qos %q", v)
		}
		qos = byte(n)
	}
	clientID := q.Get("client_id")
	if clientID == "" {
		clientID = defaultClientID
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host)
	opts.SetClientID(clientID)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if p, ok := u.User.Password(); ok {
			opts.SetPassword(p)
		}
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	c := paho.NewClient(opts)
	c.Connect()
	return &Sink{client: c, topic: topic, qos: qos}, nil
}

func (s *Sink) Topic() string { return s.topic }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	timeout := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := s.client.Publish(s.topic, s.qos, false, b)
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt publish timeout")
	}
	return token.Error()
}

func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}
