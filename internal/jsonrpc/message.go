package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one parsed inbound frame from the upstream connection.
// It is either a response (ID set: a subscribe/unsubscribe ack or an
// error) or a subscription notification (Method + Params set).
type Message struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *int64              `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *Error              `json:"error,omitempty"`
	Params  *NotificationParams `json:"params,omitempty"`
}

// NotificationParams carries the payload of a subscription notification.
// Solana assigns integer subscription ids.
type NotificationParams struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// ParseMessage parses a single inbound frame
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// IsResponse returns true if the message correlates to a request we sent
func (m *Message) IsResponse() bool {
	return m.ID != nil
}

// IsNotification returns true if the message is a subscription notification
func (m *Message) IsNotification() bool {
	return m.ID == nil && strings.HasSuffix(m.Method, NotificationSuffix) && m.Params != nil
}

// HasError returns true if the message carries a JSON-RPC error object
func (m *Message) HasError() bool {
	return m.Error != nil
}

// SubscriptionID parses the message result as an integer subscription id
// (the shape of every successful subscribe ack).
func (m *Message) SubscriptionID() (uint64, error) {
	var id uint64
	if err := json.Unmarshal(m.Result, &id); err != nil {
		return 0, fmt.Errorf("failed to parse subscription id: %w", err)
	}
	return id, nil
}
