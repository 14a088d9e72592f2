package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// EventKind is the discriminator carried in the "type" field of every frame
type EventKind string

// Inbound kinds, wire names
const (
	KindConnectionConfirmed      EventKind = "connection_confirmed"
	KindStatusUpdate             EventKind = "status_update"
	KindHeartbeatAck             EventKind = "heartbeat_ack"
	KindNewRequest               EventKind = "new_service_request"
	KindOfferAccepted            EventKind = "offer_accepted"
	KindPaymentInProgress        EventKind = "payment_in_progress"
	KindPaymentCompleted         EventKind = "payment_completed"
	KindOfferRejected            EventKind = "offer_rejected"
	KindRequestCancelled         EventKind = "request_cancelled"
	KindNewChatMessage           EventKind = "new_chat_message"
	KindPaymentExpired           EventKind = "payment_expired"
	KindRequestCancelledByClient EventKind = "request_cancelled_by_client"
)

// Outbound kinds
const (
	KindHeartbeat EventKind = "heartbeat"
)

var knownKinds = map[EventKind]bool{
	KindConnectionConfirmed:      true,
	KindStatusUpdate:             true,
	KindHeartbeatAck:             true,
	KindNewRequest:               true,
	KindOfferAccepted:            true,
	KindPaymentInProgress:        true,
	KindPaymentCompleted:         true,
	KindOfferRejected:            true,
	KindRequestCancelled:         true,
	KindNewChatMessage:           true,
	KindPaymentExpired:           true,
	KindRequestCancelledByClient: true,
}

// InboundKinds returns every canonical inbound kind, sorted
func InboundKinds() []EventKind {
	kinds := make([]EventKind, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// kindAliases maps older or alternate backend names onto the canonical kind
var kindAliases = map[string]EventKind{
	"new_request":      KindNewRequest,
	"heartbeat_echo":   KindHeartbeatAck,
	"pong":             KindHeartbeatAck,
	"chat_message":     KindNewChatMessage,
	"client_cancelled": KindRequestCancelledByClient,
}

// CanonicalKind resolves a wire type name, aliases included.
// The second return value is false for unknown kinds.
func CanonicalKind(name string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(name)))
	if knownKinds[k] {
		return k, true
	}
	if alias, ok := kindAliases[string(k)]; ok {
		return alias, true
	}
	return k, false
}

// Status is the provider presence status last announced to or confirmed by the backend
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOnline, StatusOffline, StatusBusy:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status '%s'", s)
	}
}

// Event is a decoded inbound frame
type Event struct {
	Kind       EventKind
	ID         string // delivery id from event_id or message_id; empty when the backend sent none
	Payload    map[string]any
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Unmarshal(data, v)
}

// String returns a payload field as a string, or "" if it is missing or not a scalar
func (e Event) String(key string) string {
	return scalarString(e.Payload[key])
}

// HeartbeatFrame is the keep-alive frame sent while the socket is open
type HeartbeatFrame struct {
	Type      EventKind `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// StatusFrame announces a manual status change
type StatusFrame struct {
	Type   EventKind `json:"type"`
	Status Status    `json:"status"`
}

var (
	errMalformedFrame = errors.New("malformed frame")
	errMissingType    = errors.New("frame has no type")
)

// decodeFrame splits a raw frame into its type name and payload.
// Payloads wrapped in a "data" object are flattened; top-level fields win on conflict.
func decodeFrame(data []byte) (string, map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	typeName, _ := raw["type"].(string)
	if typeName == "" {
		typeName, _ = raw["event"].(string)
	}
	if typeName == "" {
		return "", nil, errMissingType
	}

	payload := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "type" || k == "event" || k == "data" {
			continue
		}
		payload[k] = v
	}
	if nested, ok := raw["data"].(map[string]any); ok {
		for k, v := range nested {
			if _, exists := payload[k]; !exists {
				payload[k] = v
			}
		}
	} else if d, ok := raw["data"]; ok {
		payload["data"] = d
	}

	return typeName, aliasFields(payload), nil
}

// aliasFields adds snake_case copies of camelCase keys so subscribers see one shape
// regardless of which serializer the backend used
func aliasFields(payload map[string]any) map[string]any {
	for k, v := range payload {
		snake := SnakeCase(k)
		if snake == k {
			continue
		}
		if _, exists := payload[snake]; !exists {
			payload[snake] = v
		}
	}
	return payload
}

// SnakeCase converts a camelCase or PascalCase key to snake_case; runs of capitals stay one word
func SnakeCase(s string) string {
	var b strings.Builder
	var prev rune
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// eventID picks the delivery id used to recognise redelivered events.
// A bare "id" names the entity an event is about, so two updates to one entity share it; it is never used.
func eventID(payload map[string]any) string {
	for _, key := range []string{"event_id", "message_id"} {
		if v := scalarString(payload[key]); v != "" {
			return v
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
