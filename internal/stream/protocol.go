// Package stream implements StreamHub: the WebSocket subscription manager
// that fans internal/events.Bus publications out to live admin-console
// sockets as snapshot/delta messages.
package stream

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is sent in the first Ready message; bump when the wire
// shape of Snapshot/Delta payloads changes incompatibly.
const ProtocolVersion = 1

// StreamName names one of the subscribable streams.
type StreamName string

const (
	StreamScrapeJobs StreamName = "scrape_jobs"
	StreamAuditLog   StreamName = "audit_log"
	StreamComputed   StreamName = "computed"
)

// ErrorCode is the closed set of client-facing stream error codes.
type ErrorCode string

const (
	ErrInvalidMessage      ErrorCode = "InvalidMessage"
	ErrInvalidFilter       ErrorCode = "InvalidFilter"
	ErrUnknownSubscription ErrorCode = "UnknownSubscription"
	ErrInternalError       ErrorCode = "InternalError"
)

// ClientMessage is the envelope for every client -> server message; Type
// selects which optional fields apply.
type ClientMessage struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Stream         StreamName      `json:"stream,omitempty"`
	Filter         json.RawMessage `json:"filter,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
}

const (
	clientSubscribe   = "subscribe"
	clientModify      = "modify"
	clientUnsubscribe = "unsubscribe"
	clientPing        = "ping"
)

// ServerMessage is the envelope for every server -> client message.
type ServerMessage struct {
	Type            string    `json:"type"`
	ProtocolVersion int       `json:"protocolVersion,omitempty"`
	RequestID       string    `json:"requestId,omitempty"`
	SubscriptionID  string    `json:"subscriptionId,omitempty"`
	Stream          StreamName `json:"stream,omitempty"`
	Snapshot        any       `json:"snapshot,omitempty"`
	Delta           any       `json:"delta,omitempty"`
	Code            ErrorCode `json:"code,omitempty"`
	Message         string    `json:"message,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

func readyMessage() ServerMessage {
	return ServerMessage{Type: "ready", ProtocolVersion: ProtocolVersion}
}

func subscribedMessage(requestID, subscriptionID string, stream StreamName) ServerMessage {
	return ServerMessage{Type: "subscribed", RequestID: requestID, SubscriptionID: subscriptionID, Stream: stream}
}

func modifiedMessage(requestID, subscriptionID string) ServerMessage {
	return ServerMessage{Type: "modified", RequestID: requestID, SubscriptionID: subscriptionID}
}

func unsubscribedMessage(requestID, subscriptionID string) ServerMessage {
	return ServerMessage{Type: "unsubscribed", RequestID: requestID, SubscriptionID: subscriptionID}
}

func snapshotMessage(subscriptionID string, snapshot any) ServerMessage {
	return ServerMessage{Type: "snapshot", SubscriptionID: subscriptionID, Snapshot: snapshot}
}

func deltaMessage(subscriptionID string, delta any) ServerMessage {
	return ServerMessage{Type: "delta", SubscriptionID: subscriptionID, Delta: delta}
}

func pongMessage(requestID string, ts *time.Time) ServerMessage {
	return ServerMessage{Type: "pong", RequestID: requestID, Timestamp: ts}
}

func errorMessage(requestID string, code ErrorCode, message string) ServerMessage {
	return ServerMessage{Type: "error", RequestID: requestID, Code: code, Message: message}
}
