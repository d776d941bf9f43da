package models

// RequestType names a cross-context request.
type RequestType string

const (
	// RequestCreateScheduleAlarm asks the coordinator to arm an alarm for an already persisted item.
	RequestCreateScheduleAlarm RequestType = "createScheduleAlarm"
	// RequestSendScheduled asks a page to deliver a scheduled message.
	RequestSendScheduled RequestType = "sendScheduled"
	// RequestCurrentConversation asks a page which conversation it is displaying.
	RequestCurrentConversation RequestType = "currentConversation"
)

// Request is the envelope for every message crossing between the coordinator and a page.
type Request struct {
	Type           RequestType `json:"type"`
	ID             string      `json:"id,omitempty"`
	ScheduledAt    int64       `json:"scheduledAt,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Text           string      `json:"text,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Ack is a bare successful response.
func Ack() Response {
	return Response{Success: true}
}

// Failure builds an unsuccessful response carrying a reason.
func Failure(reason string) Response {
	return Response{Success: false, Error: reason}
}

// InboundMessage is one newly observed incoming chat message.
// Key identifies the underlying message element so re-renders of the same message can be dropped.
type InboundMessage struct {
	Key            string `json:"key"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	DetectedAt     int64  `json:"detectedAt"`
}
