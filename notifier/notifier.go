// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package notifier announces scan lifecycle changes to downstream consumers.
// Whenever a scan reaches a terminal status the orchestrator emits a small
// JSON summary on a RabbitMQ exchange, so reporting systems do not have to
// poll the frontend.
package notifier

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NeowayLabs/wabbit"
	origamqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// FrontendID is a unique string identifier for the announcing host.
var FrontendID string

func init() {
	var err error
	FrontendID, err = getFrontendID()
	if err != nil {
		log.Fatal(err)
	}
}

func getFrontendID() (string, error) {
	if _, err := os.Stat("/etc/machine-id"); os.IsNotExist(err) {
		return os.Hostname()
	}
	b, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return os.Hostname()
	}
	return strings.TrimSpace(string(b)), nil
}

const amqpReconnDelay = 2 * time.Second

// Notifier is an interface for an entity that sends JSON data to an endpoint
type Notifier interface {
	Notify(jsonData []byte) error
	Finish()
}

// AMQPNotifier sends scan notifications to a RabbitMQ exchange.
type AMQPNotifier struct {
	URL              string
	User             string
	Pass             string
	Exchange         string
	Verbose          bool
	Conn             wabbit.Conn
	Channel          wabbit.Channel
	StopReconnection chan bool
	ChanMutex        sync.Mutex
	ConnMutex        sync.Mutex
	ErrorChan        chan wabbit.Error
	Reconnector      func(string) (wabbit.Conn, string, error)
}

func reconnectOnFailure(n *AMQPNotifier) {
	for {
		select {
		case <-n.StopReconnection:
			return
		case rabbitErr := <-n.ErrorChan:
			if rabbitErr != nil {
				log.Warnf("RabbitMQ connection failed: %s", rabbitErr.Reason())
				for {
					time.Sleep(amqpReconnDelay)
					connErr := n.connect()
					if connErr != nil {
						log.Warnf("RabbitMQ error: %s", connErr)
					} else {
						log.Infof("Reestablished connection to %s", n.URL)
						n.ConnMutex.Lock()
						n.Conn.NotifyClose(n.ErrorChan)
						n.ConnMutex.Unlock()
						break
					}
				}
			}
		}
	}
}

func (n *AMQPNotifier) connect() error {
	var err error
	var exchangeType string

	n.ConnMutex.Lock()
	n.Conn, exchangeType, err = n.Reconnector(n.URL)
	n.ConnMutex.Unlock()
	if err != nil {
		return err
	}
	n.ChanMutex.Lock()
	n.Channel, err = n.Conn.Channel()
	n.ChanMutex.Unlock()
	if err != nil {
		n.ConnMutex.Lock()
		n.Conn.Close()
		n.ConnMutex.Unlock()
		return err
	}
	// We do not want to declare an exchange on non-default connection methods,
	// as they may not support all exchange types. For instance amqptest does
	// not support 'fanout'.
	err = n.Channel.ExchangeDeclare(
		n.Exchange,   // name
		exchangeType, // type
		wabbit.Option{
			"durable":    true,
			"autoDelete": false,
			"internal":   false,
			"noWait":     false,
		},
	)
	if err != nil {
		n.ChanMutex.Lock()
		n.Channel.Close()
		n.ChanMutex.Unlock()
		n.ConnMutex.Lock()
		n.Conn.Close()
		n.ConnMutex.Unlock()
		return err
	}
	log.Debugf("Notifier established connection to %s", n.URL)

	return nil
}

// MakeAMQPNotifierWithReconnector creates a new notifier connected to a
// RabbitMQ server at the given URL, using the reconnector function as a means
// to Dial() in order to obtain a Connection object.
func MakeAMQPNotifierWithReconnector(amqpURI string, amqpUser string,
	amqpPass string, amqpExch string, verbose bool,
	reconnector func(string) (wabbit.Conn, string, error)) (*AMQPNotifier, error) {

	myNotifier := &AMQPNotifier{
		URL:              "amqp://" + amqpUser + ":" + amqpPass + "@" + amqpURI + "/",
		Verbose:          verbose,
		Reconnector:      reconnector,
		User:             amqpUser,
		Exchange:         amqpExch,
		StopReconnection: make(chan bool),
	}
	if verbose {
		log.Debugf("Initial connection to %s...", myNotifier.URL)
	}

	myNotifier.ErrorChan = make(chan wabbit.Error)
	err := myNotifier.connect()
	if err != nil {
		return nil, err
	}
	myNotifier.Conn.NotifyClose(myNotifier.ErrorChan)

	go reconnectOnFailure(myNotifier)

	return myNotifier, nil
}

// Notify sends the jsonData payload via the registered RabbitMQ connection.
func (n *AMQPNotifier) Notify(jsonData []byte) error {
	n.ChanMutex.Lock()
	err := n.Channel.Publish(
		n.Exchange, // exchange
		"scans",    // routing key
		jsonData,
		wabbit.Option{
			"contentType": "application/json",
			"headers": origamqp.Table{
				"frontend_id": FrontendID,
			},
		})
	n.ChanMutex.Unlock()
	if err == nil {
		if n.Verbose {
			log.Debugf("RabbitMQ notification (%s) successful", n.URL)
		}
	} else {
		log.Warnf("RabbitMQ notification not successful: %s", err.Error())
	}
	return err
}

// Finish cleans up the RMQ connection.
func (n *AMQPNotifier) Finish() {
	close(n.StopReconnection)
	if n.Verbose {
		log.Debugf("Notifier closing connection...")
	}
}

// DummyNotifier is a Notifier that just logs data to a logger.
type DummyNotifier struct {
	l *log.Entry
}

// MakeDummyNotifier returns a new DummyNotifier.
func MakeDummyNotifier() *DummyNotifier {
	dn := &DummyNotifier{}
	dn.l = log.WithFields(log.Fields{
		"notifier": "dummy",
	})
	return dn
}

// Notify just logs the JSON data to the given logger.
func (n *DummyNotifier) Notify(jsonData []byte) error {
	n.l.Info(string(jsonData[:]))
	return nil
}

// Finish is a no-op in this implementation.
func (n *DummyNotifier) Finish() {}
