package cp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix for the protocol.
const BaseTopic = "mucp/v1"

// CommandEnvelope is the common controller command envelope for MQTT.
type CommandEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	From    string          `json:"from"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// ReplyEnvelope is the response envelope for commands.
type ReplyEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	OK   bool            `json:"ok"`
	TS   int64           `json:"ts"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  *ReplyError     `json:"err,omitempty"`
}

// ReplyError describes an error response.
type ReplyError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Reply error codes.
const (
	CodeInvalid     = "INVALID"
	CodeNotFound    = "NOT_FOUND"
	CodeNoSelection = "NO_SELECTION"
	CodeSOAPFault   = "SOAP_FAULT"
	CodeProtocol    = "PROTOCOL"
	CodeTransport   = "TRANSPORT"
	CodeUnsupported = "UNSUPPORTED"
	CodeInternal    = "INTERNAL"
)

// Presence describes a node presence payload.
type Presence struct {
	NodeID string         `json:"nodeId"`
	Kind   string         `json:"kind"`
	Name   string         `json:"name"`
	Caps   map[string]any `json:"caps,omitempty"`
	TS     int64          `json:"ts"`
}

// Event types.
const (
	EventDevicesChanged   = "devices.changed"
	EventSelectionChanged = "selection.changed"
)

// Event is published on the node events topic. USN and Role are set for
// selection changes.
type Event struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
	USN  string `json:"usn,omitempty"`
	Role string `json:"role,omitempty"`
}

// NewCommand builds a command envelope with a JSON body.
func NewCommand(cmdType string, body any) (CommandEnvelope, error) {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CommandEnvelope{}, fmt.Errorf("marshal body: %w", err)
	}

	return CommandEnvelope{
		Type: cmdType,
		Body: payload,
	}, nil
}

// ValidateCommandEnvelope validates required fields.
func ValidateCommandEnvelope(cmd CommandEnvelope) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(cmd.Type) == "" {
		return errors.New("type is required")
	}
	if cmd.TS <= 0 {
		return errors.New("ts must be a positive unix timestamp")
	}
	if strings.TrimSpace(cmd.From) == "" {
		return errors.New("from is required")
	}
	if len(cmd.Body) == 0 {
		return errors.New("body is required")
	}
	return nil
}

// ErrMalformedEvent marks an event payload that could not be decoded.
// Watchers report it and keep reading.
var ErrMalformedEvent = errors.New("malformed event")

// ValidateReplyEnvelope checks that a reply is either a successful ack or an
// error carrying its detail.
func ValidateReplyEnvelope(reply ReplyEnvelope) error {
	if strings.TrimSpace(reply.ID) == "" {
		return errors.New("id is required")
	}
	switch reply.Type {
	case "ack":
		if !reply.OK {
			return errors.New("ack reply must be ok")
		}
	case "error":
		if reply.OK {
			return errors.New("error reply must not be ok")
		}
		if reply.Err == nil || reply.Err.Code == "" {
			return errors.New("error reply needs an error code")
		}
	default:
		return fmt.Errorf("unknown reply type %q", reply.Type)
	}
	return nil
}

// TopicPresence builds the presence topic for a node.
func TopicPresence(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/presence", topicBase, nodeID)
}

// TopicPresenceAll matches the presence topic of every node.
func TopicPresenceAll(topicBase string) string {
	return TopicPresence(topicBase, "+")
}

// PresenceNode returns the node id of a presence topic.
func PresenceNode(topicBase, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, topicBase+"/node/")
	if !ok {
		return "", false
	}
	nodeID, ok := strings.CutSuffix(rest, "/presence")
	if !ok || nodeID == "" || strings.Contains(nodeID, "/") {
		return "", false
	}
	return nodeID, true
}

// TopicCommands builds the command topic for a node.
func TopicCommands(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/cmd", topicBase, nodeID)
}

// TopicEvents builds the events topic for a node.
func TopicEvents(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/evt", topicBase, nodeID)
}

// TopicReply builds the reply topic for a controller instance.
func TopicReply(topicBase, controllerID string) string {
	return fmt.Sprintf("%s/reply/%s", topicBase, controllerID)
}
