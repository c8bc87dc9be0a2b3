package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultChannelPrefix prefixes the per-user pub/sub channel
const DefaultChannelPrefix = "deploy-log"

// Event is one progress line addressed to a user's live stream
type Event struct {
	UserID       string    `json:"userId"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Message      string    `json:"msg"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers events to live viewers
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Channel returns the pub/sub channel for a user
func Channel(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + ":" + userID
}

// RedisPublisher publishes events on a per-user redis channel
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a redis pub/sub publisher
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(p.prefix, ev.UserID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// NATSPublisher publishes events on deploy.log.<user>
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to url with unlimited reconnects
func NewNATSPublisher(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	logger = logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name("instance-deployer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Subject returns the NATS subject for a user
func Subject(userID string) string {
	return "deploy.log." + userID
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(Subject(ev.UserID), data)
}

// Close drains the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// HTTPRelay posts each line to an external log sink
type HTTPRelay struct {
	client *resty.Client
}

// NewHTTPRelay creates a relay posting to <baseURL>/deploy-log
func NewHTTPRelay(baseURL string, timeout time.Duration) *HTTPRelay {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPRelay{client: client}
}

type relayBody struct {
	UserID string `json:"userId"`
	Msg    string `json:"msg"`
}

// Publish implements Publisher
func (r *HTTPRelay) Publish(ctx context.Context, ev Event) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(relayBody{UserID: ev.UserID, Msg: ev.Message}).
		Post("/deploy-log")
	if err != nil {
		return fmt.Errorf("relay log line: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("relay log line: status %d", resp.StatusCode())
	}
	return nil
}

// Fanout publishes to every sink and joins their errors
type Fanout []Publisher

// Publish implements Publisher
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
