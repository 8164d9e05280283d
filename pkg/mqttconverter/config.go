package mqttconverter

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// TopicMapping is one subscription of the consumer.
type TopicMapping struct {
	// Name is a logical route name used in logs.
	Name string `yaml:"name"`
	// Topic is the MQTT filter, wildcards allowed.
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// DefaultTopicMappings subscribes to every device's data, status and
// register topics at QoS 1.
func DefaultTopicMappings() []TopicMapping {
	return []TopicMapping{
		{Name: "data", Topic: "devices/+/data", QoS: 1},
		{Name: "status", Topic: "devices/+/status", QoS: 1},
		{Name: "register", Topic: "devices/+/register", QoS: 1},
	}
}

// MQTTClientConfig holds all configuration for the Paho MQTT client.
type MQTTClientConfig struct {
	// BrokerURL is the full URL of the broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string `yaml:"broker_url" env:"BROKER_URL"`
	// TopicMappings are subscribed on every (re)connect.
	TopicMappings []TopicMapping `yaml:"topic_mappings"`
	// ClientIDPrefix gets a random suffix so replicas never collide.
	ClientIDPrefix string `yaml:"client_id_prefix" env:"CLIENT_ID_PREFIX"`
	// AllowPublicBroker permits connecting without credentials.
	AllowPublicBroker bool   `yaml:"allow_public_broker" env:"ALLOW_PUBLIC_BROKER"`
	Username          string `yaml:"username" env:"USERNAME"`
	Password          string `yaml:"password" env:"PASSWORD"`

	KeepAlive      time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// ReconnectWaitMin and ReconnectWaitMax bound the backoff between
	// reconnect attempts.
	ReconnectWaitMin time.Duration `yaml:"reconnect_wait_min" env:"RECONNECT_WAIT_MIN"`
	ReconnectWaitMax time.Duration `yaml:"reconnect_wait_max" env:"RECONNECT_WAIT_MAX"`
	// ReconnectMaxAttempts bounds one reconnect cycle. Zero retries forever.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`

	// MessageBufferSize is the capacity of the hand-off channel. When it is
	// full new messages are dropped and counted.
	MessageBufferSize int `yaml:"message_buffer_size" env:"MESSAGE_BUFFER_SIZE"`

	// WillTopic, if set, carries the bridge's own retained online/offline
	// status, with the offline notice registered as the connection's will.
	WillTopic string `yaml:"will_topic" env:"WILL_TOPIC"`

	CACertFile         string `yaml:"ca_cert_file" env:"CA_CERT_FILE"`
	ClientCertFile     string `yaml:"client_cert_file" env:"CLIENT_CERT_FILE"`
	ClientKeyFile      string `yaml:"client_key_file" env:"CLIENT_KEY_FILE"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// DefaultMQTTClientConfig returns production defaults. BrokerURL and
// credentials must still be supplied.
func DefaultMQTTClientConfig() MQTTClientConfig {
	return MQTTClientConfig{
		TopicMappings:        DefaultTopicMappings(),
		ClientIDPrefix:       "waterbridge-",
		KeepAlive:            60 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectWaitMin:     time.Second,
		ReconnectWaitMax:     2 * time.Minute,
		ReconnectMaxAttempts: 20,
		MessageBufferSize:    1000,
	}
}

// Validate reports configuration that would prevent a useful connection.
func (c *MQTTClientConfig) Validate() error {
	var errs []error
	if c.BrokerURL == "" {
		errs = append(errs, errors.New("MQTT broker URL is required"))
	}
	if !c.AllowPublicBroker && c.Username == "" {
		errs = append(errs, errors.New("MQTT username is required unless allow_public_broker is set"))
	}
	if len(c.TopicMappings) == 0 {
		errs = append(errs, errors.New("at least one MQTT topic mapping is required"))
	}
	for _, m := range c.TopicMappings {
		if m.Topic == "" {
			errs = append(errs, fmt.Errorf("topic mapping %q has no topic", m.Name))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("topic mapping %q has invalid QoS %d", m.Name, m.QoS))
		}
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect_max_attempts cannot be negative"))
	}
	return errors.Join(errs...)
}

// newTLSConfig builds the TLS settings for tls:// and ssl:// brokers.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
