package bus

import (
	"context"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

// MQTT is the broker-backed Bus. autopaho owns reconnection; subscriptions
// survive a broker bounce because the router keeps the handlers.
type MQTT struct {
	log    *zap.Logger
	cfg    autopaho.ClientConfig
	conn   *autopaho.ConnectionManager
	router *paho.StandardRouter
}

// NewMQTT builds a client for the given broker URL. Connect must be called
// before any publish or subscribe.
func NewMQTT(brokerURL, clientID string, log *zap.Logger) (*MQTT, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}

	m := &MQTT{log: log, router: paho.NewStandardRouter()}
	m.cfg = autopaho.ClientConfig{
		BrokerUrls: []*url.URL{u},
		KeepAlive:  20,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info("mqtt connection up")
		},
		OnConnectError: func(err error) {
			log.Warn("mqtt connection attempt failed", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			Router:   m.router,
			OnClientError: func(err error) {
				log.Warn("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Warn("mqtt server disconnect", zap.String("reason", d.Properties.ReasonString))
				} else {
					log.Warn("mqtt server disconnect", zap.Int("code", int(d.ReasonCode)))
				}
			},
		},
	}
	return m, nil
}

func (m *MQTT) Connect(ctx context.Context) error {
	conn, err := autopaho.NewConnection(ctx, m.cfg)
	if err != nil {
		return err
	}
	if err := conn.AwaitConnection(ctx); err != nil {
		return err
	}
	m.conn = conn
	return nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := m.conn.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   topic,
		Payload: payload,
	})
	return err
}

func (m *MQTT) Subscribe(ctx context.Context, topic string, h Handler) error {
	m.router.RegisterHandler(topic, func(p *paho.Publish) {
		h(context.Background(), p.Topic, p.Payload)
	})
	_, err := m.conn.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	})
	return err
}

func (m *MQTT) Close(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Disconnect(ctx)
}
