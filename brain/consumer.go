// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package brain

import (
	"fmt"
	"sync"
	"time"

	"github.com/NeowayLabs/wabbit"
	"github.com/buger/jsonparser"
	log "github.com/sirupsen/logrus"
)

const amqpReconnDelay = 2 * time.Second

// Event types emitted by the backend on the results exchange.
const (
	EventScanLaunched = "scan_launched"
	EventScanResult   = "scan_result"
)

// EventHandler receives the backend's asynchronous notifications. Deliveries
// are at-least-once and may arrive out of order; implementations must be
// idempotent.
type EventHandler interface {
	SetLaunched(scanID string) error
	SetResult(scanID, sha256, probe string, payload []byte) error
	HandleOutputFiles(scanID, parentSha256 string, payload []byte) error
}

// EventConsumer reads completion events from a RabbitMQ queue and dispatches
// them to an EventHandler. Connection loss triggers automatic reconnection.
type EventConsumer struct {
	URL              string
	Exchange         string
	Queue            string
	Tag              string
	Handler          EventHandler
	Conn             wabbit.Conn
	Channel          wabbit.Channel
	StopReconnection chan bool
	ConnMutex        sync.Mutex
	ErrorChan        chan wabbit.Error
	Reconnector      func(string) (wabbit.Conn, string, error)
}

func reconnectOnFailure(c *EventConsumer) {
	for {
		select {
		case <-c.StopReconnection:
			return
		case rabbitErr := <-c.ErrorChan:
			if rabbitErr != nil {
				log.Warnf("RabbitMQ connection failed: %s", rabbitErr.Reason())
				for {
					time.Sleep(amqpReconnDelay)
					connErr := c.connect()
					if connErr != nil {
						log.Warnf("RabbitMQ error: %s", connErr)
					} else {
						log.Infof("Reestablished connection to %s", c.URL)
						c.ConnMutex.Lock()
						c.Conn.NotifyClose(c.ErrorChan)
						c.ConnMutex.Unlock()
						break
					}
				}
			}
		}
	}
}

func (c *EventConsumer) connect() error {
	var err error
	var exchangeType string

	c.ConnMutex.Lock()
	c.Conn, exchangeType, err = c.Reconnector(c.URL)
	c.ConnMutex.Unlock()
	if err != nil {
		return err
	}
	c.Channel, err = c.Conn.Channel()
	if err != nil {
		c.ConnMutex.Lock()
		c.Conn.Close()
		c.ConnMutex.Unlock()
		return err
	}

	teardown := func() {
		c.Channel.Close()
		c.ConnMutex.Lock()
		c.Conn.Close()
		c.ConnMutex.Unlock()
	}

	err = c.Channel.ExchangeDeclare(
		c.Exchange,
		exchangeType,
		wabbit.Option{
			"durable":    true,
			"autoDelete": false,
			"internal":   false,
			"noWait":     false,
		},
	)
	if err != nil {
		teardown()
		return err
	}

	queue, err := c.Channel.QueueDeclare(
		c.Queue,
		wabbit.Option{
			"durable":   true,
			"delete":    false,
			"exclusive": false,
			"noWait":    false,
		},
	)
	if err != nil {
		teardown()
		return err
	}

	err = c.Channel.QueueBind(
		queue.Name(),
		c.Queue, // binding key
		c.Exchange,
		wabbit.Option{
			"noWait": false,
		},
	)
	if err != nil {
		teardown()
		return err
	}

	deliveries, err := c.Channel.Consume(
		queue.Name(),
		c.Tag,
		wabbit.Option{
			"exclusive": false,
			"noLocal":   false,
			"noWait":    false,
		},
	)
	if err != nil {
		teardown()
		return err
	}
	go c.handle(deliveries)

	log.Debugf("EventConsumer established connection to %s", c.URL)
	return nil
}

func (c *EventConsumer) handle(deliveries <-chan wabbit.Delivery) {
	for d := range deliveries {
		log.Debugf("got %dB completion event: [%v]", len(d.Body()), d.DeliveryTag())
		if err := c.Dispatch(d.Body()); err != nil {
			log.Errorf("error handling completion event: %s", err)
		}
		d.Ack(false)
	}
	log.Debug("completion event channel closed")
}

// Dispatch routes a single raw event to the handler. Errors from the handler
// are returned but the event is always acknowledged: a malformed or
// unprocessable event will not become more processable by redelivery.
func (c *EventConsumer) Dispatch(body []byte) error {
	eventType, err := jsonparser.GetString(body, "event_type")
	if err != nil {
		return fmt.Errorf("event without event_type: %s", err)
	}
	scanID, err := jsonparser.GetString(body, "scan_id")
	if err != nil {
		return fmt.Errorf("event without scan_id: %s", err)
	}

	switch eventType {
	case EventScanLaunched:
		return c.Handler.SetLaunched(scanID)
	case EventScanResult:
		sha256, err := jsonparser.GetString(body, "sha256")
		if err != nil {
			return fmt.Errorf("result event without sha256: %s", err)
		}
		probe, err := jsonparser.GetString(body, "probe")
		if err != nil {
			return fmt.Errorf("result event without probe: %s", err)
		}
		payload, _, _, err := jsonparser.Get(body, "result")
		if err != nil {
			return fmt.Errorf("result event without result payload: %s", err)
		}
		// the payload may announce files discovered during analysis, e.g.
		// unpacked archive contents; attach them first so their pending
		// slots exist before the finished check that SetResult performs
		if err = c.Handler.HandleOutputFiles(scanID, sha256, payload); err != nil {
			return err
		}
		return c.Handler.SetResult(scanID, sha256, probe, payload)
	default:
		log.Warnf("ignoring unknown event type %q for scan %s", eventType, scanID)
		return nil
	}
}

// MakeEventConsumer creates a consumer bound to the results queue on the
// given RabbitMQ server, using the reconnector function as a means to Dial()
// in order to obtain a Connection object.
func MakeEventConsumer(amqpURI, amqpUser, amqpPass, exchange, queue string,
	handler EventHandler,
	reconnector func(string) (wabbit.Conn, string, error)) (*EventConsumer, error) {

	consumer := &EventConsumer{
		URL:              "amqp://" + amqpUser + ":" + amqpPass + "@" + amqpURI + "/",
		Exchange:         exchange,
		Queue:            queue,
		Tag:              "frontend-results",
		Handler:          handler,
		Reconnector:      reconnector,
		StopReconnection: make(chan bool),
	}

	consumer.ErrorChan = make(chan wabbit.Error)
	err := consumer.connect()
	if err != nil {
		return nil, err
	}
	consumer.Conn.NotifyClose(consumer.ErrorChan)

	go reconnectOnFailure(consumer)

	return consumer, nil
}

// Finish shuts the consumer down, closing its channel and connection.
func (c *EventConsumer) Finish() error {
	close(c.StopReconnection)
	if err := c.Channel.Close(); err != nil {
		return fmt.Errorf("channel close failed: %s", err)
	}
	c.ConnMutex.Lock()
	defer c.ConnMutex.Unlock()
	if err := c.Conn.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %s", err)
	}
	return nil
}
