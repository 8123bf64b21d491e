package tcg

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// ConnectionHost is an internal representation of amqp.Connection.
type ConnectionHost struct {
	Connection        *amqp.Connection
	uri               string
	connectionName    string
	heartbeatInterval time.Duration
	connectionTimeout time.Duration
	tlsConfig         *tls.Config
	Errors            chan *amqp.Error
	connLock          *sync.Mutex
}

// NewConnectionHost creates a ConnectionHost. It does not dial; call Connect.
func NewConnectionHost(
	uri string,
	connectionName string,
	heartbeatInterval time.Duration,
	connectionTimeout time.Duration,
	tlsConfig *tls.Config) *ConnectionHost {

	return &ConnectionHost{
		uri:               uri,
		connectionName:    connectionName,
		heartbeatInterval: heartbeatInterval,
		connectionTimeout: connectionTimeout,
		tlsConfig:         tlsConfig,
		Errors:            make(chan *amqp.Error, 10),
		connLock:          &sync.Mutex{},
	}
}

// Connect tries to connect (or reconnect) to the host one time.
func (ch *ConnectionHost) Connect() error {

	// Compare, Lock, Recompare Strategy
	if ch.isOpen() {
		return nil
	}

	ch.connLock.Lock() // Block all but one.
	defer ch.connLock.Unlock()

	if ch.Connection != nil && !ch.Connection.IsClosed() {
		return nil
	}

	amqpConn, err := amqp.DialConfig(ch.uri, amqp.Config{
		Heartbeat:       ch.heartbeatInterval,
		Dial:            amqp.DefaultDial(ch.connectionTimeout),
		TLSClientConfig: ch.tlsConfig,
		Properties: amqp.Table{
			"connection_name": ch.connectionName,
		},
	})
	if err != nil {
		return err
	}

	ch.Connection = amqpConn
	ch.Errors = make(chan *amqp.Error, 10)
	ch.Connection.NotifyClose(ch.Errors) // ch.Errors is closed by streadway/amqp in some scenarios

	return nil
}

func (ch *ConnectionHost) isOpen() bool {
	ch.connLock.Lock()
	defer ch.connLock.Unlock()
	return ch.Connection != nil && !ch.Connection.IsClosed()
}

// Channel opens a channel on the current connection.
func (ch *ConnectionHost) Channel() (*amqp.Channel, error) {

	ch.connLock.Lock()
	defer ch.connLock.Unlock()

	if ch.Connection == nil || ch.Connection.IsClosed() {
		return nil, amqp.ErrClosed
	}

	return ch.Connection.Channel()
}

// Close closes the current connection if there is one.
func (ch *ConnectionHost) Close() error {

	ch.connLock.Lock()
	defer ch.connLock.Unlock()

	if ch.Connection == nil || ch.Connection.IsClosed() {
		return nil
	}

	return ch.Connection.Close()
}

// AMQPTopologySource consumes topology documents from a RabbitMQ queue. Every accepted document
// replaces the candidate set of the target.
type AMQPTopologySource struct {
	config               *AMQPTopologyConfig
	host                 *ConnectionHost
	sleepOnErrorInterval time.Duration
	latest               atomic.Pointer[TopologyDocument]
	logger               *logrus.Entry
	errorHandler         func(error)
}

// NewAMQPTopologySource creates an AMQPTopologySource. When encryption is enabled the config's
// Hashkey must already be set, see EncryptionConfig.Hash.
func NewAMQPTopologySource(config *AMQPTopologyConfig, logger *logrus.Entry, errorHandler func(error)) (*AMQPTopologySource, error) {

	if config == nil {
		return nil, errors.New("amqp topology config can't be nil")
	}

	if config.URI == "" {
		return nil, errors.New("amqp topology uri can't be empty")
	}

	if config.QueueName == "" {
		return nil, errors.New("amqp topology queuename can't be empty")
	}

	if config.EncryptionConfig != nil && config.EncryptionConfig.Enabled && len(config.EncryptionConfig.Hashkey) == 0 {
		return nil, errors.New("amqp topology encryption hashkey can't be empty")
	}

	tlsConfig, err := CreateTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.WithField("component", "amqp-topology")
	}

	sleepOnErrorInterval := time.Duration(config.SleepOnErrorInterval) * time.Millisecond
	if sleepOnErrorInterval == 0 {
		sleepOnErrorInterval = time.Second
	}

	return &AMQPTopologySource{
		config: config,
		host: NewConnectionHost(
			config.URI,
			config.ApplicationName,
			time.Duration(config.Heartbeat)*time.Second,
			time.Duration(config.ConnectionTimeout)*time.Second,
			tlsConfig),
		sleepOnErrorInterval: sleepOnErrorInterval,
		logger:               logger,
		errorHandler:         errorHandler,
	}, nil
}

// Endpoints returns the last topology received. It satisfies EagerRefreshHandler.
func (ats *AMQPTopologySource) Endpoints(ctx context.Context, eagerCtx EagerRefreshContext) (EndpointCollection, error) {

	document := ats.latest.Load()
	if document == nil {
		return EndpointCollection{}, ErrNoTopology
	}

	return document.Collection(), nil
}

// Consume reads topology documents until ctx is done, reconnecting after every connection or
// channel failure.
func (ats *AMQPTopologySource) Consume(ctx context.Context, target Refreshable) error {

	defer func() {
		if err := ats.host.Close(); err != nil {
			ats.logger.Debugf("closing amqp connection: %s", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := ats.host.Connect(); err != nil {
			ats.handleError(fmt.Errorf("unable to connect to topology broker: %w", err))
			if !ats.sleepOnError(ctx) {
				return nil
			}
			continue
		}

		if err := ats.consumeChannel(ctx, target); err != nil {
			ats.handleError(err)
			if !ats.sleepOnError(ctx) {
				return nil
			}
		}
	}
}

func (ats *AMQPTopologySource) consumeChannel(ctx context.Context, target Refreshable) error {

	channel, err := ats.host.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if ats.config.QosCountOverride > 0 {
		_ = channel.Qos(ats.config.QosCountOverride, 0, false)
	}

	channelErrors := channel.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := channel.Consume(ats.config.QueueName, ats.config.ConsumerName, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr := <-ats.host.Errors:
			if amqpErr != nil {
				return fmt.Errorf("topology connection closed\r\n[reason: %s]\r\n[code: %d]", amqpErr.Reason, amqpErr.Code)
			}
			return amqp.ErrClosed

		case amqpErr := <-channelErrors:
			if amqpErr != nil {
				return fmt.Errorf("topology channel closed\r\n[reason: %s]\r\n[code: %d]", amqpErr.Reason, amqpErr.Code)
			}
			return amqp.ErrClosed

		case delivery, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}

			if err := ats.apply(ctx, target, delivery.Body); err != nil {
				ats.handleError(err)
				_ = delivery.Nack(false, false) // a payload that can't be read won't read on redelivery
				continue
			}

			_ = delivery.Ack(false)
		}
	}
}

// apply decodes one payload and hands the endpoints to target.
func (ats *AMQPTopologySource) apply(ctx context.Context, target Refreshable, body []byte) error {

	document, err := DecodeTopologyPayload(body, ats.config.CompressionConfig, ats.config.EncryptionConfig)
	if err != nil {
		return fmt.Errorf("unable to read topology payload: %w", err)
	}

	ats.latest.Store(document)
	ats.logger.Infof("received topology with %d endpoints", len(document.Endpoints))

	if target != nil {
		target.RefreshEndpoints(ctx, document.Collection())
	}

	return nil
}

func (ats *AMQPTopologySource) sleepOnError(ctx context.Context) bool {

	timer := time.NewTimer(ats.sleepOnErrorInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (ats *AMQPTopologySource) handleError(err error) {

	ats.logger.Warn(err)
	if ats.errorHandler != nil {
		ats.errorHandler(err)
	}
}
