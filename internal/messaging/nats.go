package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSClient handles NATS messaging operations
type NATSClient struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	encoder *nats.EncodedConn
	logger  *logrus.Entry
	cfg     *config.NATSConfig

	// Subscriptions
	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	encoder, err := nats.NewEncodedConn(conn, nats.JSON_ENCODER)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create encoded connection: %w", err)
	}

	nc := &NATSClient{
		conn:    conn,
		js:      js,
		encoder: encoder,
		logger:  logger.WithField("component", "nats"),
		cfg:     cfg,
		subs:    make(map[string]*nats.Subscription),
	}

	if err := nc.initializeStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return nc, nil
}

// Close closes the NATS connection
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	for _, sub := range nc.subs {
		sub.Unsubscribe()
	}
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	nc.encoder.Close()
	nc.conn.Close()
	return nil
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// initializeStreams creates JetStream streams
func (nc *NATSClient) initializeStreams() error {
	// Balance stream for snapshot updates
	_, err := nc.js.AddStream(&nats.StreamConfig{
		Name:     "BALANCES",
		Subjects: []string{"balances.>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create BALANCES stream: %w", err)
	}

	// Alert stream for conditions needing host attention
	_, err = nc.js.AddStream(&nats.StreamConfig{
		Name:     "ALERTS",
		Subjects: []string{"alerts.>"},
		Storage:  nats.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
		MaxMsgs:  10000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create ALERTS stream: %w", err)
	}

	return nil
}

// PublishBalances publishes the snapshot set of a completed fetch cycle
func (nc *NATSClient) PublishBalances(update *models.BalanceUpdate) error {
	subject := fmt.Sprintf("balances.%s", update.ConnectionID)

	if err := nc.encoder.Publish(subject, update); err != nil {
		return fmt.Errorf("failed to publish balance update: %w", err)
	}

	return nil
}

// PublishAlert publishes a sync alert, e.g. an expired requisition
func (nc *NATSClient) PublishAlert(alert *models.SyncAlert) error {
	subject := fmt.Sprintf("alerts.%s.%s", alert.ConnectionID, alert.Reason)

	if err := nc.encoder.Publish(subject, alert); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	return nil
}

// SubscribeBalances subscribes to balance updates for all connections
func (nc *NATSClient) SubscribeBalances(handler func(update *models.BalanceUpdate)) error {
	sub, err := nc.encoder.Subscribe("balances.>", func(update *models.BalanceUpdate) {
		handler(update)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to balance updates: %w", err)
	}

	nc.subsMu.Lock()
	nc.subs["balances.>"] = sub
	nc.subsMu.Unlock()

	return nil
}
