// Package bridgemqtt exposes the control point session over MQTT.
package bridgemqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikey-austin/mucp/internal/controlpoint"
	"github.com/mikey-austin/mucp/internal/events"
	"github.com/mikey-austin/mucp/internal/metrics"
	"github.com/mikey-austin/mucp/pkg/cp"
)

// Broker is the MQTT surface used by the bridge. *mqttserver.Client
// implements it.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Dispatcher runs wire commands. *controlpoint.Session implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmdType string, body json.RawMessage) (any, error)
}

// Config configures the bridge.
type Config struct {
	NodeID         string
	TopicBase      string
	Name           string
	CommandTimeout time.Duration
}

// Module answers commands on the node command topic and mirrors session
// events on the node events topic.
type Module struct {
	log      *zap.Logger
	client   Broker
	session  Dispatcher
	bus      *events.Bus
	config   Config
	cmdTopic string
	evtTopic string
	now      func() time.Time

	// closed is set once Run starts shutting down; handlers delivered
	// after that are dropped so wg.Add never races wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewModule initializes the bridge.
func NewModule(log *zap.Logger, client Broker, session Dispatcher, bus *events.Bus, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil || session == nil {
		return nil, errors.New("bridge_mqtt requires a broker and a session")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("bridge_mqtt node_id required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = cp.BaseTopic
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "UPnP Control Point"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	return &Module{
		log:      log,
		client:   client,
		session:  session,
		bus:      bus,
		config:   cfg,
		cmdTopic: cp.TopicCommands(cfg.TopicBase, cfg.NodeID),
		evtTopic: cp.TopicEvents(cfg.TopicBase, cfg.NodeID),
		now:      time.Now,
	}, nil
}

// Run starts the bridge. It returns once every in-flight command has been
// answered.
func (m *Module) Run(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	defer m.drain()

	handler := func(_ paho.Client, msg paho.Message) {
		if !m.track() {
			m.log.Debug("dropping command during shutdown", zap.String("topic", msg.Topic()))
			return
		}
		go func() {
			defer m.wg.Done()
			m.handlePayload(ctx, msg.Payload())
		}()
	}

	if err := m.client.Subscribe(m.cmdTopic, 1, handler); err != nil {
		return err
	}
	defer m.client.Unsubscribe(m.cmdTopic)

	if err := m.publishPresence(); err != nil {
		return err
	}
	m.log.Info("mqtt bridge ready", zap.String("cmd_topic", m.cmdTopic), zap.String("evt_topic", m.evtTopic))

	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	evts, cancel := m.bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-evts:
			if !ok {
				return nil
			}
			m.publishEvent(evt)
		}
	}
}

// track registers one in-flight command unless the bridge is closing.
func (m *Module) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Module) drain() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

// Presence is the retained payload announcing the node.
func (m *Module) Presence() cp.Presence {
	return cp.Presence{
		NodeID: m.config.NodeID,
		Kind:   "controlpoint",
		Name:   m.config.Name,
		Caps:   map[string]any{"commands": cp.CommandTypes},
		TS:     m.now().Unix(),
	}
}

func (m *Module) publishPresence() error {
	payload, err := json.Marshal(m.Presence())
	if err != nil {
		return err
	}
	return m.client.Publish(cp.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

func (m *Module) publishEvent(evt cp.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		m.log.Error("marshal event", zap.Error(err))
		return
	}
	if err := m.client.Publish(m.evtTopic, 0, false, payload); err != nil {
		m.log.Warn("publish event", zap.String("type", evt.Type), zap.Error(err))
	}
}

func (m *Module) handlePayload(ctx context.Context, payload []byte) {
	var cmd cp.CommandEnvelope
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.log.Warn("invalid command", zap.Error(err))
		return
	}

	reply := m.dispatch(ctx, cmd)
	if cmd.ReplyTo == "" {
		return
	}
	out, err := json.Marshal(reply)
	if err != nil {
		m.log.Error("marshal reply", zap.Error(err))
		return
	}
	if err := m.client.Publish(cmd.ReplyTo, 1, false, out); err != nil {
		m.log.Error("publish reply", zap.Error(err))
	}
}

func (m *Module) dispatch(ctx context.Context, cmd cp.CommandEnvelope) cp.ReplyEnvelope {
	started := time.Now()
	if err := cp.ValidateCommandEnvelope(cmd); err != nil {
		metrics.ObserveCommand("mqtt", cmd.Type, false)
		return m.errorReply(cmd, &cp.ReplyError{Code: cp.CodeInvalid, Message: err.Error()})
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	defer cancel()
	body, err := m.session.Dispatch(ctx, cmd.Type, cmd.Body)
	metrics.ObserveCommand("mqtt", cmd.Type, err == nil)
	if err != nil {
		m.log.Debug("command failed",
			zap.String("id", cmd.ID),
			zap.String("type", cmd.Type),
			zap.String("from", cmd.From),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		return m.errorReply(cmd, controlpoint.ReplyError(err))
	}

	reply := cp.ReplyEnvelope{
		ID:   cmd.ID,
		Type: "ack",
		OK:   true,
		TS:   m.now().Unix(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return m.errorReply(cmd, &cp.ReplyError{Code: cp.CodeInternal, Message: err.Error()})
	}
	reply.Body = payload
	m.log.Debug("command handled",
		zap.String("id", cmd.ID),
		zap.String("type", cmd.Type),
		zap.Duration("duration", time.Since(started)),
	)
	return reply
}

func (m *Module) errorReply(cmd cp.CommandEnvelope, replyErr *cp.ReplyError) cp.ReplyEnvelope {
	return cp.ReplyEnvelope{
		ID:   cmd.ID,
		Type: "error",
		OK:   false,
		TS:   m.now().Unix(),
		Err:  replyErr,
	}
}
