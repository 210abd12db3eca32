package event

import "time"

// Type discriminates every frame on the wire, inbound and outbound.
type Type string

const (
	TypeMetricUpdate  Type = "METRIC_UPDATE"
	TypeIssueUpdate   Type = "ISSUE_UPDATE"
	TypeQualityUpdate Type = "QUALITY_UPDATE"
	TypeStatusUpdate  Type = "STATUS_UPDATE"
	TypePing          Type = "PING"
	TypePong          Type = "PONG"
	TypeSubscribe     Type = "SUBSCRIBE"
)

// Operation is the upstream mutation kind carried in change payloads.
type Operation string

const (
	OperationInsert  Operation = "insert"
	OperationUpdate  Operation = "update"
	OperationDelete  Operation = "delete"
	OperationReplace Operation = "replace"
)

// Message is the wire frame shared by both directions.
type Message struct {
	Type      Type      `json:"type"`
	ProjectId string    `json:"projectId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MessageId string    `json:"messageId,omitempty"`
}

// ChangePayload is the data envelope of an outbound change event.
type ChangePayload struct {
	Document    map[string]any `json:"document,omitempty"`
	Operation   Operation      `json:"operation"`
	DocumentKey map[string]any `json:"documentKey,omitempty"`
}

// ChangeEvent is one normalized upstream data mutation. It exists only
// between observation and the delivery pass; nothing persists it.
type ChangeEvent struct {
	Type       Type
	ProjectId  string
	Payload    ChangePayload
	CreateTime time.Time
}

func (e ChangeEvent) Message() Message {
	return Message{
		Type:      e.Type,
		ProjectId: e.ProjectId,
		Data:      e.Payload,
		Timestamp: e.CreateTime,
	}
}
