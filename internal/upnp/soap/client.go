package soap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
	"go.uber.org/zap"
)

const maxBodyBytes = 8 << 20

// Observer receives one call per round trip.
type Observer func(service string, action string, outcome string, duration time.Duration)

// Client performs SOAP actions over HTTP. It never retries.
type Client struct {
	http    *http.Client
	log     *zap.Logger
	observe Observer
}

// NewClient creates a SOAP client. A nil http client uses http.DefaultClient.
func NewClient(httpClient *http.Client, log *zap.Logger, observe Observer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{http: httpClient, log: log, observe: observe}
}

// Call posts the action to controlURL and returns the <Action>Response node.
func (c *Client) Call(ctx context.Context, controlURL string, serviceURN string, action string, args []Arg) (*xmltree.Node, error) {
	started := time.Now()
	service := ServiceKind(serviceURN)
	node, outcome, err := c.call(ctx, controlURL, serviceURN, action, args)
	if c.observe != nil {
		c.observe(service, action, outcome, time.Since(started))
	}
	if err != nil {
		c.log.Debug("soap action failed",
			zap.String("url", controlURL),
			zap.String("service", service),
			zap.String("action", action),
			zap.String("outcome", outcome),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}
	c.log.Debug("soap action ok",
		zap.String("url", controlURL),
		zap.String("service", service),
		zap.String("action", action),
		zap.Duration("duration", time.Since(started)),
	)
	return node, nil
}

func (c *Client) call(ctx context.Context, controlURL string, serviceURN string, action string, args []Arg) (*xmltree.Node, string, error) {
	envelope := BuildEnvelope(serviceURN, action, args)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(envelope))
	if err != nil {
		return nil, "transport_error", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, serviceURN, action))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "transport_error", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "transport_error", err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if fault := parseFault(action, body); fault != nil {
			return nil, "fault", fault
		}
		return nil, "http_error", &HTTPError{
			Action:     action,
			Status:     resp.Status,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	root, err := xmltree.Parse(body)
	if err != nil {
		return nil, "mismatch", &ProtocolMismatchError{Action: action, Body: body, Err: err}
	}
	if root.Name != "Envelope" {
		return nil, "mismatch", &ProtocolMismatchError{Action: action, Body: body}
	}
	node := root.Path("Body", action+"Response")
	if node == nil {
		return nil, "mismatch", &ProtocolMismatchError{Action: action, Body: body}
	}
	return node, "ok", nil
}

func parseFault(action string, body []byte) *SoapError {
	if len(body) == 0 {
		return nil
	}
	root, err := xmltree.Parse(body)
	if err != nil {
		return nil
	}
	detail := root.Path("Body", "Fault", "detail", "UPnPError")
	if detail == nil {
		return nil
	}
	payload, err := json.Marshal(detail.Map())
	if err != nil {
		return nil
	}
	code, _ := detail.ChildText("errorCode")
	desc, _ := detail.ChildText("errorDescription")
	return &SoapError{Action: action, Code: code, Description: desc, Payload: payload}
}
