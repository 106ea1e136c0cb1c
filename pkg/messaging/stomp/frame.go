// Package stomp implements the subset of STOMP 1.2 used by the StageConnect
// messaging channel, one frame per WebSocket message.
package stomp

import (
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// SubProtocol is the WebSocket sub-protocol negotiated for STOMP 1.2.
const SubProtocol = "v12.stomp"

// Frame commands.
const (
	CommandConnect     = "CONNECT"
	CommandStomp       = "STOMP"
	CommandConnected   = "CONNECTED"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
	CommandDisconnect  = "DISCONNECT"
	CommandAck         = "ACK"
	CommandNack        = "NACK"
)

// Well-known header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderLogin         = "login"
	HeaderHeartBeat     = "heart-beat"
	HeaderAuthorization = "Authorization"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderMessage       = "message"
	HeaderSession       = "session"
	HeaderAck           = "ack"
)

// ContentTypeJSON is the content type of envelope bodies.
const ContentTypeJSON = "application/json"

// Frame is a STOMP frame. Header order is preserved and, as in STOMP 1.2,
// the first occurrence of a repeated header wins.
type Frame struct {
	Command string
	Header  *frame.Header
	Body    []byte
}

func newFrame(command string, headers ...string) Frame {
	return Frame{Command: command, Header: frame.NewHeader(headers...)}
}

// Get returns the first value of the header key.
func (f *Frame) Get(key string) string {
	v, _ := f.Lookup(key)
	return v
}

// Lookup returns the first value of the header key and whether it exists.
func (f *Frame) Lookup(key string) (string, bool) {
	if f.Header == nil {
		return "", false
	}
	return f.Header.Contains(key)
}

// Add appends a header, keeping any existing value for the same key.
func (f *Frame) Add(key, value string) {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	f.Header.Add(key, value)
}

// Set replaces the value of key, appending it if absent.
func (f *Frame) Set(key, value string) {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	f.Header.Set(key, value)
}

// NewConnect builds the CONNECT frame. login identifies the user and token
// is sent as a bearer Authorization header, each when non-empty; heartbeat
// is the heart-beat header value ("0,0" disables transport level
// heartbeats).
func NewConnect(host, login, token, heartbeat string) Frame {
	f := newFrame(CommandConnect, HeaderAcceptVersion, "1.2")
	if host != "" {
		f.Add(HeaderHost, host)
	}
	if heartbeat == "" {
		heartbeat = "0,0"
	}
	f.Add(HeaderHeartBeat, heartbeat)
	if login != "" {
		f.Add(HeaderLogin, login)
	}
	if token != "" {
		f.Add(HeaderAuthorization, "Bearer "+token)
	}
	return f
}

// NewConnected builds the server's CONNECTED reply.
func NewConnected(session string) Frame {
	f := newFrame(CommandConnected, HeaderVersion, "1.2", HeaderHeartBeat, "0,0")
	if session != "" {
		f.Add(HeaderSession, session)
	}
	return f
}

// NewSubscribe builds a SUBSCRIBE frame with automatic acknowledgement.
func NewSubscribe(id, destination string) Frame {
	return newFrame(CommandSubscribe, HeaderID, id, HeaderDestination, destination, HeaderAck, "auto")
}

// NewUnsubscribe builds an UNSUBSCRIBE frame.
func NewUnsubscribe(id string) Frame {
	return newFrame(CommandUnsubscribe, HeaderID, id)
}

// NewSend builds a SEND frame carrying body.
func NewSend(destination, contentType string, body []byte) Frame {
	f := newFrame(CommandSend, HeaderDestination, destination)
	f.Body = body
	if contentType != "" {
		f.Add(HeaderContentType, contentType)
	}
	f.Add(HeaderContentLength, strconv.Itoa(len(body)))
	return f
}

// NewMessage builds a MESSAGE frame delivered to a subscription.
func NewMessage(subscription, messageID, destination, contentType string, body []byte) Frame {
	f := newFrame(CommandMessage,
		HeaderSubscription, subscription,
		HeaderMessageID, messageID,
		HeaderDestination, destination,
	)
	f.Body = body
	if contentType != "" {
		f.Add(HeaderContentType, contentType)
	}
	f.Add(HeaderContentLength, strconv.Itoa(len(body)))
	return f
}

// NewDisconnect builds a DISCONNECT frame, requesting a receipt when
// receipt is non-empty.
func NewDisconnect(receipt string) Frame {
	f := newFrame(CommandDisconnect)
	if receipt != "" {
		f.Add(HeaderReceipt, receipt)
	}
	return f
}

// NewReceipt builds a RECEIPT frame.
func NewReceipt(receiptID string) Frame {
	return newFrame(CommandReceipt, HeaderReceiptID, receiptID)
}

// NewError builds an ERROR frame with a short message and optional detail.
func NewError(message, detail string) Frame {
	f := newFrame(CommandError, HeaderMessage, message)
	f.Body = []byte(detail)
	if detail != "" {
		f.Add(HeaderContentType, "text/plain")
		f.Add(HeaderContentLength, strconv.Itoa(len(detail)))
	}
	return f
}
