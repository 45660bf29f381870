package relaycache

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTConfig is what it takes to reach a broker.
type MQTTConfig struct {
	Host     string // e.g. tcp://127.0.0.1:1883
	ClientID string
	User     string
	Pass     string
}

// NewMQTTClient builds a paho client. onConnect runs on every (re)connect,
// which is where subscriptions belong so they survive reconnects.
func NewMQTTClient(cfg MQTTConfig, onConnect mqtt.OnConnectHandler) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Host)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Pass)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.OnConnect = func(client mqtt.Client) {
		logrus.Infof("📡 connected to MQTT %s as %s", cfg.Host, cfg.ClientID)
		if onConnect != nil {
			onConnect(client)
		}
	}
	opts.OnConnectionLost = connectLostHandler
	return mqtt.NewClient(opts)
}

// ConnectMQTT connects and waits up to timeout for the broker to accept.
func ConnectMQTT(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logrus.Warnf("MQTT connection lost: %v", err)
}

func mqttWait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}
