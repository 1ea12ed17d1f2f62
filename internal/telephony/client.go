// Package telephony speaks the voice stack's ctrl_tcp protocol:
// netstring-framed JSON, commands with response tokens going out, call
// and playback events coming in. The screening engine consumes this
// package through its CallControl interface; nothing here makes policy
// decisions.
package telephony

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the call and playback events we care about.
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventCallDTMFEnd     EventType = "CALL_DTMF_END"
	EventPlayFinished    EventType = "PLAY_FINISHED"
	EventPlayError       EventType = "PLAY_ERROR"
)

// Event is a state-change notification from the voice stack.
type Event struct {
	Event     bool      `json:"event"`
	Class     string    `json:"class"`
	Type      EventType `json:"type"`
	Direction string    `json:"direction"`
	PeerURI   string    `json:"peeruri"`
	PeerName  string    `json:"peername"`
	ID        string    `json:"id"`    // call id
	Param     string    `json:"param"` // DTMF digit, close reason, etc.
}

// Response is the voice stack's reply to a command.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

// Command is a request to the voice stack.
type Command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Client manages one ctrl_tcp connection. Commands are matched to
// responses by token; events are fanned out on a buffered channel and
// dropped (with a log line) if the consumer falls behind.
type Client struct {
	addr    string
	conn    net.Conn
	encoder *NetstringEncoder
	decoder *NetstringDecoder
	writeMu sync.Mutex

	eventChan chan Event
	errorChan chan error

	tokenCounter atomic.Uint64
	pendingCmds  map[string]chan Response
	pendingMu    sync.Mutex
	cmdTimeout   time.Duration

	closed   atomic.Bool
	closedCh chan struct{}

	verbose bool
}

// NewClient creates a client for the given ctrl_tcp address.
func NewClient(addr string, verbose bool) *Client {
	return &Client{
		addr:        addr,
		eventChan:   make(chan Event, 100),
		errorChan:   make(chan error, 1),
		pendingCmds: make(map[string]chan Response),
		closedCh:    make(chan struct{}),
		verbose:     verbose,
		cmdTimeout:  2 * time.Second,
	}
}

// Connect dials the voice stack and starts the read loop.
func (c *Client) Connect() error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connecting to voice stack at %s: %w", c.addr, err)
	}

	c.conn = conn
	c.encoder = NewNetstringEncoder(conn)
	c.decoder = NewNetstringDecoder(conn)

	go c.readLoop()

	log.Printf("[Telephony] Connected to %s", c.addr)
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closedCh)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Events returns the channel of call/playback events.
func (c *Client) Events() <-chan Event {
	return c.eventChan
}

// Errors returns the channel of connection-level errors.
func (c *Client) Errors() <-chan error {
	return c.errorChan
}

// readLoop reads frames and dispatches events vs. command responses.
func (c *Client) readLoop() {
	defer close(c.eventChan)
	defer close(c.errorChan)

	for {
		select {
		case <-c.closedCh:
			return
		default:
		}

		data, err := c.decoder.Decode()
		if err != nil {
			if !c.closed.Load() {
				c.errorChan <- fmt.Errorf("reading from voice stack: %w", err)
			}
			return
		}

		if c.verbose {
			log.Printf("[Telephony] Received: %s", string(data))
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Printf("[Telephony] Invalid JSON: %v", err)
			continue
		}

		switch {
		case raw["event"] != nil:
			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("[Telephony] Failed to parse event: %v", err)
				continue
			}
			select {
			case c.eventChan <- event:
			default:
				log.Printf("[Telephony] Event channel full, dropping %s for %s", event.Type, event.ID)
			}

		case raw["response"] != nil:
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				log.Printf("[Telephony] Failed to parse response: %v", err)
				continue
			}
			c.pendingMu.Lock()
			if ch, ok := c.pendingCmds[resp.Token]; ok {
				ch <- resp
				delete(c.pendingCmds, resp.Token)
			}
			c.pendingMu.Unlock()
		}
	}
}

// sendCommand sends one command and waits (bounded) for its response.
func (c *Client) sendCommand(cmd, params string) (*Response, error) {
	token := fmt.Sprintf("tok%d", c.tokenCounter.Add(1))

	data, err := json.Marshal(Command{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	respChan := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pendingCmds[token] = respChan
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pendingCmds, token)
		c.pendingMu.Unlock()
	}

	if c.verbose {
		log.Printf("[Telephony] Sending: %s", string(data))
	}

	c.writeMu.Lock()
	err = c.encoder.Encode(data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}

	select {
	case resp := <-respChan:
		return &resp, nil
	case <-c.closedCh:
		forget()
		return nil, fmt.Errorf("connection closed")
	case <-time.After(c.cmdTimeout):
		forget()
		return nil, fmt.Errorf("command timeout: %s", cmd)
	}
}

// command issues cmd and folds a rejected response into the error.
func (c *Client) command(cmd, params string) error {
	resp, err := c.sendCommand(cmd, params)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s rejected: %s", cmd, resp.Data)
	}
	return nil
}

// Accept answers an incoming call.
func (c *Client) Accept(callID string) error {
	return c.command("accept", callID)
}

// Hangup terminates a call, optionally with a SIP status code and reason.
func (c *Client) Hangup(callID string, scode int, reason string) error {
	params := callID
	if scode > 0 {
		params = fmt.Sprintf("%s scode=%d", params, scode)
	}
	if reason != "" {
		params = fmt.Sprintf("%s reason=%s", params, reason)
	}
	return c.command("hangup", params)
}

// Say asks the TTS module to speak text into the call. Completion is
// delivered later as a PLAY_FINISHED (or PLAY_ERROR) event, not here.
func (c *Client) Say(callID, text string) error {
	return c.command("say", fmt.Sprintf("%s %s", callID, text))
}

// TTSReady probes whether the TTS module is loaded and usable.
func (c *Client) TTSReady() bool {
	return c.command("ttsstatus", "") == nil
}
