package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

const (
	mqttMaxInFlight = 256 // publishes awaiting acknowledgement before new ones are skipped
	mqttAckTimeout  = 30 * time.Second
)

// MQTTPublisher publishes pipeline statistics and, optionally, every decoded
// packet to an MQTT broker
type MQTTPublisher struct {
	client     mqtt.Client
	config     *MQTTConfig
	metrics    *PrometheusMetrics
	logger     *log.Logger
	inFlight   chan struct{} // one slot per unacknowledged publish
	ackTimeout time.Duration
}

func newMQTTPublisher(client mqtt.Client, config *MQTTConfig, metrics *PrometheusMetrics, logger *log.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client:     client,
		config:     config,
		metrics:    metrics,
		logger:     logger,
		inFlight:   make(chan struct{}, mqttMaxInFlight),
		ackTimeout: mqttAckTimeout,
	}
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	return "ccsds_" + uuid.New().String()[:13]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	// Load CA certificate if provided
	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	// Load client certificate and key if provided
	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics, logger *log.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("connected to broker", "broker", config.Broker)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newMQTTPublisher(client, config, metrics, logger), nil
}

func (mp *MQTTPublisher) statsTopic() string {
	return mp.config.TopicPrefix + "/stats"
}

func (mp *MQTTPublisher) packetTopic(vcid, apid int) string {
	return mp.config.TopicPrefix + "/packets/" + strconv.Itoa(vcid) + "/" + strconv.Itoa(apid)
}

// StartPublisher publishes statistics every PublishInterval seconds until
// ctx is cancelled, then disconnects
func (mp *MQTTPublisher) StartPublisher(ctx context.Context, p *pipeline.Pipeline) {
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		mp.logger.Info("statistics publisher started", "interval", mp.config.PublishInterval, "topic", mp.statsTopic())
		mp.publishStats(p.Stats())

		for {
			select {
			case <-ctx.Done():
				mp.publishStats(p.Stats())
				mp.logger.Info("statistics publisher stopped")
				mp.client.Disconnect(250)
				return
			case <-ticker.C:
				mp.publishStats(p.Stats())
			}
		}
	}()
}

func (mp *MQTTPublisher) publishStats(st pipeline.Stats) {
	payload, err := json.Marshal(st)
	if err != nil {
		mp.logger.Error("failed to marshal statistics", "error", err)
		return
	}
	mp.publish("stats", mp.statsTopic(), mp.config.Retain, payload)
}

// HandlePacket publishes the packet when per-packet publishing is enabled
func (mp *MQTTPublisher) HandlePacket(msg *PacketMessage) {
	if !mp.config.PublishPackets {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		mp.logger.Error("failed to marshal packet", "error", err)
		return
	}
	mp.publish("packet", mp.packetTopic(msg.VCID, msg.APID), false, payload)
}

// publish does not wait for QoS 1/2 acknowledgements so the packet sink is
// never held up by the broker. At most mqttMaxInFlight publishes are tracked;
// while the broker is unreachable further messages are skipped and counted.
func (mp *MQTTPublisher) publish(kind, topic string, retain bool, payload []byte) {
	select {
	case mp.inFlight <- struct{}{}:
	default:
		mp.logger.Debug("publish skipped, acknowledgements backlogged", "topic", topic)
		mp.metrics.RecordMQTTDropped(kind)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, retain, payload)
	go func() {
		defer func() { <-mp.inFlight }()
		err := fmt.Errorf("no acknowledgement after %s", mp.ackTimeout)
		if token.WaitTimeout(mp.ackTimeout) {
			err = token.Error()
		}
		if err != nil {
			mp.logger.Error("publish failed", "topic", topic, "error", err)
			mp.metrics.RecordMQTTPublish(kind, err)
			return
		}
		mp.metrics.RecordMQTTPublish(kind, nil)
	}()
}
