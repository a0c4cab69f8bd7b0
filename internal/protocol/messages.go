// Package protocol defines the client wire messages and their codecs.
//
// Clients speak JSON by default. A client that negotiates the
// "batchmon.cbor" WebSocket subprotocol gets the same messages in CBOR.
package protocol

import "time"

// Client -> server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"
)

// Server -> client message types.
const (
	TypeConnected             = "connected"
	TypeSubscriptionConfirmed = "subscription-confirmed"
	TypeUnsubscribeConfirmed  = "unsubscribe-confirmed"
	TypeMetricsUpdate         = "metrics-update"
	TypeMetricsDelta          = "metrics-delta"
	TypeIntervalAdjusted      = "interval-adjusted"
	TypeCircuitBreakerOpened  = "circuit-breaker-opened"
	TypeHeartbeatAck          = "heartbeat-ack"
	TypeError                 = "error"
)

// Inbound is any client message; fields unused by Type stay zero.
type Inbound struct {
	Type             string   `json:"type"`
	Topics           []string `json:"topics,omitempty"`
	ExecutionIDs     []string `json:"executionIds,omitempty"`
	AdaptiveInterval *bool    `json:"adaptiveInterval,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"`
}

// Adaptive reports the requested adaptive mode; absent means enabled.
func (in Inbound) Adaptive() bool {
	return in.AdaptiveInterval == nil || *in.AdaptiveInterval
}

type Connected struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
}

type SubscriptionConfirmed struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type UnsubscribeConfirmed struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type MetricsUpdate struct {
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	ExecutionID string `json:"executionId"`
	Version     uint64 `json:"version"`
	Metrics     []any  `json:"metrics"`
	Timestamp   int64  `json:"timestamp"`
}

type MetricsDelta struct {
	Type        string         `json:"type"`
	Topic       string         `json:"topic"`
	ExecutionID string         `json:"executionId"`
	Version     uint64         `json:"version"`
	Changes     map[string]any `json:"changes"`
	Timestamp   int64          `json:"timestamp"`
}

type IntervalAdjusted struct {
	Type        string `json:"type"`
	NewInterval int64  `json:"newInterval"`
}

type CircuitBreakerOpened struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Reason string `json:"reason"`
}

type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewConnected(sessionID string, heartbeat time.Duration) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID, HeartbeatInterval: heartbeat.Milliseconds()}
}

func NewSubscriptionConfirmed(topics []string) SubscriptionConfirmed {
	return SubscriptionConfirmed{Type: TypeSubscriptionConfirmed, Topics: nonNil(topics)}
}

func NewUnsubscribeConfirmed(topics []string) UnsubscribeConfirmed {
	return UnsubscribeConfirmed{Type: TypeUnsubscribeConfirmed, Topics: nonNil(topics)}
}

// NewMetricsUpdate wraps a full payload. An array payload is sent as the
// metrics list itself, anything else as a one-element list.
func NewMetricsUpdate(topic, entity string, version uint64, payload any, at time.Time) MetricsUpdate {
	var list []any
	if arr, ok := payload.([]any); ok {
		list = arr
	} else {
		list = []any{payload}
	}
	return MetricsUpdate{
		Type:        TypeMetricsUpdate,
		Topic:       topic,
		ExecutionID: entity,
		Version:     version,
		Metrics:     list,
		Timestamp:   at.UnixMilli(),
	}
}

func NewMetricsDelta(topic, entity string, version uint64, changes map[string]any, at time.Time) MetricsDelta {
	return MetricsDelta{
		Type:        TypeMetricsDelta,
		Topic:       topic,
		ExecutionID: entity,
		Version:     version,
		Changes:     changes,
		Timestamp:   at.UnixMilli(),
	}
}

func NewIntervalAdjusted(d time.Duration) IntervalAdjusted {
	return IntervalAdjusted{Type: TypeIntervalAdjusted, NewInterval: d.Milliseconds()}
}

func NewCircuitBreakerOpened(topic, reason string) CircuitBreakerOpened {
	return CircuitBreakerOpened{Type: TypeCircuitBreakerOpened, Topic: topic, Reason: reason}
}

func NewHeartbeatAck(at time.Time) HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: at.UnixMilli()}
}

func NewError(msg string) Error { return Error{Type: TypeError, Message: msg} }

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
