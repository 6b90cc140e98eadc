// Package mqtt is the controller side of the control point protocol: it
// sends commands to mucpd nodes, waits for their replies and reads their
// presence and event topics.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikey-austin/mucp/internal/adapters/tlsconfig"
	"github.com/mikey-austin/mucp/pkg/cp"
)

var (
	// ErrReplyTimeout is returned when a node does not answer in time.
	ErrReplyTimeout = errors.New("timeout waiting for reply")
	// ErrConnectionLost fails commands still waiting when the broker
	// connection drops.
	ErrConnectionLost = errors.New("mqtt connection lost while waiting for reply")
)

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	TopicBase string
	Timeout   time.Duration
	// PresenceWait is how long ListPresence collects retained messages.
	PresenceWait time.Duration
}

type replyResult struct {
	reply cp.ReplyEnvelope
	err   error
}

// Client is an MQTT adapter implementing the Broker port.
type Client struct {
	client       paho.Client
	replyTopic   string
	topicBase    string
	timeout      time.Duration
	presenceWait time.Duration

	mu      sync.Mutex
	pending map[string]chan replyResult
}

// NewClient creates and connects an MQTT client.
func NewClient(opts Options) (*Client, error) {
	if opts.ClientID == "" {
		return nil, errors.New("mqtt client id required")
	}
	c := newClient(opts)

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(5 * time.Second)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		// replies are addressed to this client only, resubscribe after a
		// reconnect
		token := client.Subscribe(c.replyTopic, 1, c.handleReply)
		token.Wait()
	})
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := tlsconfig.Load(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	if token := c.client.Subscribe(c.replyTopic, 1, c.handleReply); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return c, nil
}

func newClient(opts Options) *Client {
	if opts.TopicBase == "" {
		opts.TopicBase = cp.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.PresenceWait == 0 {
		opts.PresenceWait = 250 * time.Millisecond
	}
	return &Client{
		replyTopic:   cp.TopicReply(opts.TopicBase, opts.ClientID),
		topicBase:    opts.TopicBase,
		timeout:      opts.Timeout,
		presenceWait: opts.PresenceWait,
		pending:      map[string]chan replyResult{},
	}
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// ReplyTopic returns the topic used for replies.
func (c *Client) ReplyTopic() string {
	return c.replyTopic
}

// PublishCommand sends cmd to the node's command topic and waits for the
// matching reply. A command without ReplyTo is addressed to this client.
func (c *Client) PublishCommand(ctx context.Context, nodeID string, cmd cp.CommandEnvelope) (cp.ReplyEnvelope, error) {
	req, err := c.encodeCommand(cmd)
	if err != nil {
		return cp.ReplyEnvelope{}, err
	}

	replyCh := c.await(cmd.ID)
	defer c.forget(cmd.ID)

	topic := cp.TopicCommands(c.topicBase, nodeID)
	if token := c.client.Publish(topic, 1, false, req); token.Wait() && token.Error() != nil {
		return cp.ReplyEnvelope{}, token.Error()
	}
	return c.wait(ctx, replyCh)
}

func (c *Client) encodeCommand(cmd cp.CommandEnvelope) ([]byte, error) {
	if cmd.ReplyTo == "" {
		cmd.ReplyTo = c.replyTopic
	}
	if cmd.ReplyTo != c.replyTopic {
		return nil, fmt.Errorf("command %s replies to %s, not this client", cmd.ID, cmd.ReplyTo)
	}
	if err := cp.ValidateCommandEnvelope(cmd); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	req, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return req, nil
}

func (c *Client) await(id string) chan replyResult {
	ch := make(chan replyResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) wait(ctx context.Context, ch chan replyResult) (cp.ReplyEnvelope, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cp.ReplyEnvelope{}, ctx.Err()
	case res := <-ch:
		return res.reply, res.err
	case <-timer.C:
		return cp.ReplyEnvelope{}, ErrReplyTimeout
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pending {
		select {
		case ch <- replyResult{err: err}:
		default:
		}
	}
}

func (c *Client) handleReply(_ paho.Client, msg paho.Message) {
	c.deliver(msg.Payload())
}

// deliver routes a reply payload to the command waiting for it. A reply that
// decodes but breaks the envelope rules fails that command instead of
// leaving it to time out.
func (c *Client) deliver(payload []byte) {
	var reply cp.ReplyEnvelope
	if err := json.Unmarshal(payload, &reply); err != nil || reply.ID == "" {
		return
	}
	res := replyResult{reply: reply}
	if err := cp.ValidateReplyEnvelope(reply); err != nil {
		res = replyResult{err: fmt.Errorf("malformed reply %s: %w", reply.ID, err)}
	}

	c.mu.Lock()
	ch, ok := c.pending[reply.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// ListPresence collects the retained presence of every node, sorted by node
// id. Nodes whose presence was cleared are left out.
func (c *Client) ListPresence(ctx context.Context) ([]cp.Presence, error) {
	collector := newPresenceCollector(c.topicBase)
	handler := func(_ paho.Client, msg paho.Message) {
		collector.add(msg.Topic(), msg.Payload())
	}

	topic := cp.TopicPresenceAll(c.topicBase)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer func() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}()

	wait := time.NewTimer(c.presenceWait)
	select {
	case <-ctx.Done():
		wait.Stop()
	case <-wait.C:
	}
	return collector.list(), nil
}

type presenceCollector struct {
	topicBase string
	mu        sync.Mutex
	nodes     map[string]cp.Presence
}

func newPresenceCollector(topicBase string) *presenceCollector {
	return &presenceCollector{topicBase: topicBase, nodes: map[string]cp.Presence{}}
}

// add records one presence message. An empty payload is the retained clear
// a node's will leaves behind. A payload naming another node than its topic
// is ignored.
func (p *presenceCollector) add(topic string, payload []byte) {
	nodeID, ok := cp.PresenceNode(p.topicBase, topic)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(payload) == 0 {
		delete(p.nodes, nodeID)
		return
	}
	var presence cp.Presence
	if err := json.Unmarshal(payload, &presence); err != nil {
		return
	}
	if presence.NodeID != nodeID || presence.Kind == "" {
		return
	}
	p.nodes[nodeID] = presence
}

func (p *presenceCollector) list() []cp.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cp.Presence, 0, len(p.nodes))
	for _, presence := range p.nodes {
		out = append(out, presence)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// WatchEvents streams a node's events until ctx is done. Payloads that are
// not events are reported on the error channel as cp.ErrMalformedEvent
// without ending the stream.
func (c *Client) WatchEvents(ctx context.Context, nodeID string) (<-chan cp.Event, <-chan error) {
	stream := newEventStream(nodeID)

	topic := cp.TopicEvents(c.topicBase, nodeID)
	handler := func(_ paho.Client, msg paho.Message) {
		stream.push(msg.Payload())
	}
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		stream.fail(token.Error())
		return stream.events, stream.errs
	}

	go func() {
		<-ctx.Done()
		token := c.client.Unsubscribe(topic)
		token.Wait()
		stream.close()
	}()

	return stream.events, stream.errs
}

type eventStream struct {
	nodeID string
	events chan cp.Event
	errs   chan error

	mu     sync.Mutex
	closed bool
}

func newEventStream(nodeID string) *eventStream {
	return &eventStream{
		nodeID: nodeID,
		events: make(chan cp.Event, 16),
		errs:   make(chan error, 4),
	}
}

func (s *eventStream) push(payload []byte) {
	var evt cp.Event
	err := json.Unmarshal(payload, &evt)
	if err == nil && evt.Type == "" {
		err = errors.New("event type missing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		select {
		case s.errs <- fmt.Errorf("%w from %s: %v", cp.ErrMalformedEvent, s.nodeID, err):
		default:
		}
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (s *eventStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.errs <- err
	s.closed = true
	close(s.events)
	close(s.errs)
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.errs)
}
