package relaycache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/utilities"
)

// Topics used between relaycache peers on a shared broker.
const (
	MQTTRequestTopicPrefix = "relaycache/req/"
	MQTTReplyTopicPrefix   = "relaycache/reply/"

	mqttPublishTimeout = 5 * time.Second
	mqttIdleTimeout    = 15 * time.Second
	mqttServeLimit     = 500
)

// Reply frame types.
const (
	frameEvent  = "event"
	frameEOSE   = "eose"
	frameClosed = "closed"
)

type mqttRequest struct {
	ID      string       `json:"id"`
	ReplyTo string       `json:"reply_to"`
	Filter  nostr.Filter `json:"filter"`
}

type mqttFrame struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Event  *nostr.Event `json:"event,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// MQTTSource loads events from another relaycache peer through an MQTT
// broker. Requests go to relaycache/req/<peer>; the peer streams event frames
// back on our reply topic and finishes with eose (or closed).
type MQTTSource struct {
	client mqtt.Client
	peer   string
	reply  string
	frames *utilities.Correlator[mqttFrame]
	log    *ServiceLog
}

// NewMQTTSource prepares a source that asks peer. self names our reply topic
// and must be unique on the broker.
func NewMQTTSource(client mqtt.Client, self, peer string) *MQTTSource {
	return &MQTTSource{
		client: client,
		peer:   peer,
		reply:  MQTTReplyTopicPrefix + self,
		frames: utilities.NewCorrelator[mqttFrame](mqttIdleTimeout),
		log:    Log("mqtt").With("peer", peer),
	}
}

// Start subscribes to the reply topic. Call it once the client is connected.
func (m *MQTTSource) Start() error {
	if err := mqttWait(m.client.Subscribe(m.reply, 1, m.handleReply), mqttPublishTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.reply, err)
	}
	return nil
}

// Source returns the loader source for this peer.
func (m *MQTTSource) Source() Source {
	return Source{Name: "mqtt:" + m.peer, Request: m.Request}
}

// Request asks the peer for filter and emits what it streams back.
func (m *MQTTSource) Request(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
	id, frames := m.frames.Send(func(id string) error {
		payload, err := json.Marshal(mqttRequest{ID: id, ReplyTo: m.reply, Filter: filter})
		if err != nil {
			return err
		}
		return mqttWait(m.client.Publish(MQTTRequestTopicPrefix+m.peer, 1, false, payload), mqttPublishTimeout)
	})
	defer m.frames.Cancel(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-frames:
			if r.Err != nil {
				return fmt.Errorf("mqtt %s: %w", m.peer, r.Err)
			}
			switch r.Response.Type {
			case frameEvent:
				if r.Response.Event != nil {
					emit(r.Response.Event)
				}
			case frameEOSE:
				return nil
			case frameClosed:
				return fmt.Errorf("%w: %s", ErrSubscriptionClosed, r.Response.Reason)
			}
		}
	}
}

func (m *MQTTSource) handleReply(client mqtt.Client, msg mqtt.Message) {
	var frame mqttFrame
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		m.log.Debug("bad reply frame: %v", err)
		return
	}
	m.frames.Receive(frame.ID, frame, frame.Type != frameEvent)
}

// Close unsubscribes from the reply topic.
func (m *MQTTSource) Close() {
	if m.client.IsConnected() {
		_ = mqttWait(m.client.Unsubscribe(m.reply), mqttPublishTimeout)
	}
	m.frames.Close()
}

// MQTTResponder answers MQTT requests from the local store.
type MQTTResponder struct {
	client mqtt.Client
	topic  string
	store  *EventStore
	log    *ServiceLog
}

// ServeMQTT answers requests addressed to self with events from store.
func ServeMQTT(client mqtt.Client, self string, store *EventStore) (*MQTTResponder, error) {
	r := &MQTTResponder{
		client: client,
		topic:  MQTTRequestTopicPrefix + self,
		store:  store,
		log:    Log("mqtt").With("serving", self),
	}
	if err := mqttWait(client.Subscribe(r.topic, 1, r.handleRequest), mqttPublishTimeout); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.log.Info("🛎️ answering requests on %s", r.topic)
	return r, nil
}

func (r *MQTTResponder) handleRequest(client mqtt.Client, msg mqtt.Message) {
	var req mqttRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil || req.ID == "" || req.ReplyTo == "" {
		r.log.Debug("ignoring malformed request")
		return
	}
	// publishing from inside a paho handler must not wait on the token
	go r.answer(req)
}

func (r *MQTTResponder) answer(req mqttRequest) {
	filter := req.Filter
	if filter.Search != "" {
		if err := r.send(req, mqttFrame{ID: req.ID, Type: frameClosed, Reason: "unsupported: search"}); err != nil {
			r.log.Warn("closed to %s failed: %v", req.ReplyTo, err)
		}
		return
	}
	if filter.Limit <= 0 || filter.Limit > mqttServeLimit {
		filter.Limit = mqttServeLimit
	}

	events := r.store.Query(filter)
	for _, ev := range events {
		if err := r.send(req, mqttFrame{ID: req.ID, Type: frameEvent, Event: ev}); err != nil {
			r.log.Warn("reply to %s failed: %v", req.ReplyTo, err)
			return
		}
	}
	if err := r.send(req, mqttFrame{ID: req.ID, Type: frameEOSE}); err != nil {
		r.log.Warn("eose to %s failed: %v", req.ReplyTo, err)
		return
	}
	r.log.Debug("answered %s with %d event(s)", req.ID, len(events))
}

func (r *MQTTResponder) send(req mqttRequest, frame mqttFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return mqttWait(r.client.Publish(req.ReplyTo, 1, false, payload), mqttPublishTimeout)
}

// Close stops answering.
func (r *MQTTResponder) Close() {
	if r.client.IsConnected() {
		_ = mqttWait(r.client.Unsubscribe(r.topic), mqttPublishTimeout)
	}
}
