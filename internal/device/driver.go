// Package device implements the control-operation drain variant: a
// specialized processor that collapses superseded set-value operations,
// lets UI bursts settle before dispatching, and speaks to pluggable
// device-protocol drivers instead of the generic transport.
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/vitalsync/vitalsync/internal/store"
)

// Driver is the device-protocol collaborator. Implementations translate
// high-level actuator commands into protocol traffic.
type Driver interface {
	Init(ctx context.Context) error
	TurnOn(ctx context.Context, deviceID string) error
	TurnOff(ctx context.Context, deviceID string) error
	SetIntensity(ctx context.Context, deviceID string, value float64) error
	// Publish is the lower-level path for protocol-addressed devices:
	// a raw command payload delivered to a broker topic.
	Publish(ctx context.Context, topic, payload string) error
	Close() error
}

// BrokerConfig configures a BrokerDriver.
type BrokerConfig struct {
	// Brokers is a comma-separated broker list, e.g. "localhost:9092".
	Brokers string
	// TopicTemplate builds the per-device topic. "{device}" is replaced
	// with the device ID.
	TopicTemplate string
	// OnCommand, OffCommand and IntensityCommand are payload templates.
	// "{device}" and "{value}" are substituted.
	OnCommand        string
	OffCommand       string
	IntensityCommand string
	// Timeout bounds each publish.
	Timeout time.Duration
}

// BrokerDriver publishes device commands to a message broker. Topic and
// command strings are templates with {device} and {value} placeholders, so
// one driver instance serves heterogeneous protocol-addressed devices.
type BrokerDriver struct {
	config BrokerConfig
	writer *kgo.Writer
}

// NewBrokerDriver creates a driver for the given broker set. The writer
// connects lazily on first publish.
func NewBrokerDriver(config BrokerConfig) *BrokerDriver {
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.TopicTemplate == "" {
		config.TopicTemplate = "devices/{device}/set"
	}
	if config.OnCommand == "" {
		config.OnCommand = "ON"
	}
	if config.OffCommand == "" {
		config.OffCommand = "OFF"
	}
	if config.IntensityCommand == "" {
		config.IntensityCommand = "{value}"
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(splitCSV(config.Brokers)...),
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &BrokerDriver{config: config, writer: w}
}

func (d *BrokerDriver) Init(ctx context.Context) error {
	// The kafka writer needs no handshake up front.
	return nil
}

func (d *BrokerDriver) TurnOn(ctx context.Context, deviceID string) error {
	return d.Publish(ctx, d.topic(deviceID), expand(d.config.OnCommand, deviceID, ""))
}

func (d *BrokerDriver) TurnOff(ctx context.Context, deviceID string) error {
	return d.Publish(ctx, d.topic(deviceID), expand(d.config.OffCommand, deviceID, ""))
}

func (d *BrokerDriver) SetIntensity(ctx context.Context, deviceID string, value float64) error {
	return d.Publish(ctx, d.topic(deviceID), expand(d.config.IntensityCommand, deviceID, formatValue(value)))
}

func (d *BrokerDriver) Publish(ctx context.Context, topic, payload string) error {
	cctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	err := d.writer.WriteMessages(cctx, kgo.Message{
		Topic: topic,
		Key:   []byte(topic),
		Value: []byte(payload),
		Time:  time.Now(),
	})
	if err != nil {
		// Broker unavailability is transient; the controller retries with
		// backoff.
		return store.NewRetryableError(fmt.Sprintf("publish to %s", topic), err)
	}
	return nil
}

func (d *BrokerDriver) Close() error {
	return d.writer.Close()
}

func (d *BrokerDriver) topic(deviceID string) string {
	return expand(d.config.TopicTemplate, deviceID, "")
}

func expand(template, deviceID, value string) string {
	out := strings.ReplaceAll(template, "{device}", deviceID)
	return strings.ReplaceAll(out, "{value}", value)
}

// formatValue prints whole-number values without a fractional part so
// command payloads stay protocol-friendly ("55", not "55.000000").
func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ Driver = (*BrokerDriver)(nil)
