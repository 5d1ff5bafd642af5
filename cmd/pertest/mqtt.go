// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package main

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tve/pertest/config"
)

// mq is a handle onto a MQTT broker connection. The connection is persistent, i.e.,
// re-establishes itself if there is a disconnect.
type mq struct {
	conn   mqtt.Client // broker connection
	prefix string      // prepended to all topics
	qos    byte
	log    logrus.FieldLogger
}

// newMQ connects to a broker and returns a new mq object.
func newMQ(conf config.MQTTConfig, l logrus.FieldLogger) (*mq, error) {
	id := "pertest-" + deviceName(l) + "-" + uuid.New().String()[:8]
	l.Debugf("Configuring MQTT with client id %s for %s", id, conf.Broker)
	mqtt.ERROR = log.New(os.Stderr, "", 0)
	opts := mqtt.NewClientOptions().AddBroker(conf.Broker)
	opts.ClientID = id
	opts.Username = conf.User
	opts.Password = conf.Password
	opts.AutoReconnect = true

	mqConn := mqtt.NewClient(opts)
	token := mqConn.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.Errorf("mqtt: timeout connecting to %s", conf.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt: connecting to %s", conf.Broker)
	}

	l.Infof("MQTT connected to %s", conf.Broker)
	return &mq{conn: mqConn, prefix: strings.TrimSuffix(conf.Prefix, "/"), qos: conf.QoS, log: l}, nil
}

// topic returns the full topic for a suffix.
func (mq *mq) topic(suffix string) string {
	if mq.prefix == "" {
		return suffix
	}
	return mq.prefix + "/" + suffix
}

// Publish publishes payload as JSON without waiting for the broker.
func (mq *mq) Publish(suffix string, payload interface{}) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "cannot json encode payload for %s", suffix)
	}
	mq.conn.Publish(mq.topic(suffix), mq.qos, false, jsonPayload)
	return nil
}

// Subscribe subscribes to a topic and calls handler with the raw payload of every message.
func (mq *mq) Subscribe(suffix string, handler func(payload []byte)) error {
	topic := mq.topic(suffix)
	token := mq.conn.Subscribe(topic, mq.qos, func(c mqtt.Client, m mqtt.Message) {
		handler(m.Payload())
	})
	if !token.WaitTimeout(2 * time.Second) {
		return errors.Errorf("mqtt: timeout subscribing to %s", topic)
	}
	return errors.Wrapf(token.Error(), "mqtt: subscribing to %s", topic)
}

// Close disconnects from the broker.
func (mq *mq) Close() { mq.conn.Disconnect(250) }
