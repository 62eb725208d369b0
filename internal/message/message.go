// Package message implements the wire message model for the device-control
// client: a tagged union over the eight message variants exchanged with a
// device server, their QoS/priority/expiry fields, and a lossless flat JSON
// codec (accepting the legacy payload-nested layout on read).
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies which of the eight message variants a Message carries.
type Type string

const (
	Command           Type = "COMMAND"
	Response          Type = "RESPONSE"
	Event             Type = "EVENT"
	ErrorType         Type = "ERROR"
	DiscoveryRequest  Type = "DISCOVERY_REQUEST"
	DiscoveryResponse Type = "DISCOVERY_RESPONSE"
	Registration      Type = "REGISTRATION"
	Authentication    Type = "AUTHENTICATION"
)

// QoS is the delivery guarantee requested for a message.
type QoS int

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AT_MOST_ONCE"
	case AtLeastOnce:
		return "AT_LEAST_ONCE"
	case ExactlyOnce:
		return "EXACTLY_ONCE"
	default:
		return "UNKNOWN"
	}
}

// Priority is the scheduling preference within the retry queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// CommandPayload carries the COMMAND variant fields.
type CommandPayload struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// ResponsePayload carries the RESPONSE variant fields.
type ResponsePayload struct {
	Status     string          `json:"status"`
	Command    string          `json:"command,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// EventPayload carries the EVENT variant fields. For PROPERTY_CHANGED events,
// Properties maps a property name to {"value": ...}.
type EventPayload struct {
	Event             string          `json:"event"`
	Properties        json.RawMessage `json:"properties,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
	RelatedMessageID  string          `json:"relatedMessageId,omitempty"`
}

// ErrorPayload carries the ERROR variant fields.
type ErrorPayload struct {
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// DiscoveryRequestPayload carries the DISCOVERY_REQUEST variant fields.
type DiscoveryRequestPayload struct {
	DeviceTypes []string        `json:"deviceTypes,omitempty"`
	Filter      json.RawMessage `json:"filter,omitempty"`
}

// DiscoveryResponsePayload carries the DISCOVERY_RESPONSE variant fields.
type DiscoveryResponsePayload struct {
	Devices json.RawMessage `json:"devices,omitempty"`
}

// RegistrationPayload carries the REGISTRATION variant fields.
type RegistrationPayload struct {
	DeviceInfo json.RawMessage `json:"deviceInfo,omitempty"`
}

// AuthenticationPayload carries the AUTHENTICATION variant fields.
type AuthenticationPayload struct {
	Method      string `json:"method"`
	Credentials string `json:"credentials"`
}

// Message is the envelope common to all eight variants. Exactly one of the
// payload fields is populated, selected by Kind.
type Message struct {
	Kind               Type
	ID                 string
	Timestamp          time.Time
	DeviceID           string
	OriginalMessageID  string
	QoSLevel           QoS
	PriorityLevel      Priority
	ExpireAfterSeconds int

	CommandPayload           *CommandPayload
	ResponsePayload          *ResponsePayload
	EventPayload             *EventPayload
	ErrorPayload             *ErrorPayload
	DiscoveryRequestPayload  *DiscoveryRequestPayload
	DiscoveryResponsePayload *DiscoveryResponsePayload
	RegistrationPayload      *RegistrationPayload
	AuthenticationPayload    *AuthenticationPayload
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

func newEnvelope(kind Type) Message {
	return Message{
		Kind:          kind,
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		QoSLevel:      AtMostOnce,
		PriorityLevel: PriorityNormal,
	}
}

// NewCommand builds a COMMAND message.
func NewCommand(deviceID, command string, parameters, properties json.RawMessage) *Message {
	m := newEnvelope(Command)
	m.DeviceID = deviceID
	m.CommandPayload = &CommandPayload{Command: command, Parameters: parameters, Properties: properties}
	return &m
}

// NewResponse builds a RESPONSE message answering originalMessageID.
func NewResponse(originalMessageID, status, command string, properties, details json.RawMessage) *Message {
	m := newEnvelope(Response)
	m.OriginalMessageID = originalMessageID
	m.ResponsePayload = &ResponsePayload{Status: status, Command: command, Properties: properties, Details: details}
	return &m
}

// NewEvent builds an EVENT message.
func NewEvent(deviceID, event string, properties, details json.RawMessage) *Message {
	m := newEnvelope(Event)
	m.DeviceID = deviceID
	m.EventPayload = &EventPayload{Event: event, Properties: properties, Details: details}
	return &m
}

// NewError builds an ERROR message answering originalMessageID.
func NewError(originalMessageID, code, msg string, details json.RawMessage) *Message {
	m := newEnvelope(ErrorType)
	m.OriginalMessageID = originalMessageID
	m.ErrorPayload = &ErrorPayload{ErrorCode: code, ErrorMessage: msg, Details: details}
	return &m
}

// NewDiscoveryRequest builds a DISCOVERY_REQUEST message.
func NewDiscoveryRequest(deviceTypes []string, filter json.RawMessage) *Message {
	m := newEnvelope(DiscoveryRequest)
	m.DiscoveryRequestPayload = &DiscoveryRequestPayload{DeviceTypes: deviceTypes, Filter: filter}
	return &m
}

// NewDiscoveryResponse builds a DISCOVERY_RESPONSE message answering
// originalMessageID.
func NewDiscoveryResponse(originalMessageID string, devices json.RawMessage) *Message {
	m := newEnvelope(DiscoveryResponse)
	m.OriginalMessageID = originalMessageID
	m.DiscoveryResponsePayload = &DiscoveryResponsePayload{Devices: devices}
	return &m
}

// NewRegistration builds a REGISTRATION message.
func NewRegistration(deviceInfo json.RawMessage) *Message {
	m := newEnvelope(Registration)
	m.RegistrationPayload = &RegistrationPayload{DeviceInfo: deviceInfo}
	return &m
}

// NewAuthentication builds an AUTHENTICATION message.
func NewAuthentication(method, credentials string) *Message {
	m := newEnvelope(Authentication)
	m.AuthenticationPayload = &AuthenticationPayload{Method: method, Credentials: credentials}
	return &m
}

// IsExpired reports whether the message has passed its expireAfterSeconds
// deadline, measured from Timestamp. ExpireAfterSeconds == 0 means never.
func (m *Message) IsExpired(now time.Time) bool {
	if m.ExpireAfterSeconds <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) >= time.Duration(m.ExpireAfterSeconds)*time.Second
}

// wireEnvelope is the flat, on-the-wire JSON shape for every variant.
type wireEnvelope struct {
	MessageType        string `json:"messageType"`
	MessageID          string `json:"messageId"`
	Timestamp          string `json:"timestamp"`
	DeviceID           string `json:"deviceId,omitempty"`
	OriginalMessageID  string `json:"originalMessageId,omitempty"`
	QoS                *int   `json:"qos,omitempty"`
	Priority           *int   `json:"priority,omitempty"`
	ExpireAfter        *int   `json:"expireAfter,omitempty"`

	Command    string          `json:"command,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`

	Status  string          `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	Event            string `json:"event,omitempty"`
	RelatedMessageID string `json:"relatedMessageId,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	DeviceTypes []string        `json:"deviceTypes,omitempty"`
	Filter      json.RawMessage `json:"filter,omitempty"`

	Devices json.RawMessage `json:"devices,omitempty"`

	DeviceInfo json.RawMessage `json:"deviceInfo,omitempty"`

	Method      string `json:"method,omitempty"`
	Credentials string `json:"credentials,omitempty"`

	// Legacy nested form, accepted on read only.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON emits the flat envelope layout.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		MessageType:       string(m.Kind),
		MessageID:         m.ID,
		Timestamp:         m.Timestamp.UTC().Format(timestampLayout),
		DeviceID:          m.DeviceID,
		OriginalMessageID: m.OriginalMessageID,
	}
	if m.QoSLevel != AtMostOnce {
		q := int(m.QoSLevel)
		w.QoS = &q
	}
	if m.PriorityLevel != PriorityNormal {
		p := int(m.PriorityLevel)
		w.Priority = &p
	}
	if m.ExpireAfterSeconds != 0 {
		e := m.ExpireAfterSeconds
		w.ExpireAfter = &e
	}

	switch m.Kind {
	case Command:
		if m.CommandPayload == nil {
			return nil, fmt.Errorf("message: COMMAND message missing payload")
		}
		w.Command = m.CommandPayload.Command
		w.Parameters = m.CommandPayload.Parameters
		w.Properties = m.CommandPayload.Properties
	case Response:
		if m.ResponsePayload == nil {
			return nil, fmt.Errorf("message: RESPONSE message missing payload")
		}
		w.Status = m.ResponsePayload.Status
		w.Command = m.ResponsePayload.Command
		w.Properties = m.ResponsePayload.Properties
		w.Details = m.ResponsePayload.Details
	case Event:
		if m.EventPayload == nil {
			return nil, fmt.Errorf("message: EVENT message missing payload")
		}
		w.Event = m.EventPayload.Event
		w.Properties = m.EventPayload.Properties
		w.Details = m.EventPayload.Details
		w.RelatedMessageID = m.EventPayload.RelatedMessageID
	case ErrorType:
		if m.ErrorPayload == nil {
			return nil, fmt.Errorf("message: ERROR message missing payload")
		}
		w.ErrorCode = m.ErrorPayload.ErrorCode
		w.ErrorMessage = m.ErrorPayload.ErrorMessage
		w.Details = m.ErrorPayload.Details
	case DiscoveryRequest:
		if m.DiscoveryRequestPayload == nil {
			return nil, fmt.Errorf("message: DISCOVERY_REQUEST message missing payload")
		}
		w.DeviceTypes = m.DiscoveryRequestPayload.DeviceTypes
		w.Filter = m.DiscoveryRequestPayload.Filter
	case DiscoveryResponse:
		if m.DiscoveryResponsePayload == nil {
			return nil, fmt.Errorf("message: DISCOVERY_RESPONSE message missing payload")
		}
		w.Devices = m.DiscoveryResponsePayload.Devices
	case Registration:
		if m.RegistrationPayload == nil {
			return nil, fmt.Errorf("message: REGISTRATION message missing payload")
		}
		w.DeviceInfo = m.RegistrationPayload.DeviceInfo
	case Authentication:
		if m.AuthenticationPayload == nil {
			return nil, fmt.Errorf("message: AUTHENTICATION message missing payload")
		}
		w.Method = m.AuthenticationPayload.Method
		w.Credentials = m.AuthenticationPayload.Credentials
	default:
		return nil, fmt.Errorf("message: unknown message type %q", m.Kind)
	}

	return json.Marshal(w)
}

// UnmarshalJSON parses either the flat layout or the legacy payload-nested
// layout, merging payload fields onto the envelope before dispatch.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("message: invalid JSON: %w", err)
	}
	if w.MessageType == "" {
		return fmt.Errorf("message: missing messageType field")
	}
	if len(w.Payload) > 0 {
		// Legacy nested form: merge payload fields into the flat struct by
		// re-unmarshaling the payload object over the same wireEnvelope.
		if err := json.Unmarshal(w.Payload, &w); err != nil {
			return fmt.Errorf("message: invalid legacy payload: %w", err)
		}
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("message: invalid timestamp %q: %w", w.Timestamp, err)
	}

	m.Kind = Type(w.MessageType)
	m.ID = w.MessageID
	m.Timestamp = ts
	m.DeviceID = w.DeviceID
	m.OriginalMessageID = w.OriginalMessageID
	m.QoSLevel = AtMostOnce
	if w.QoS != nil {
		m.QoSLevel = QoS(*w.QoS)
	}
	m.PriorityLevel = PriorityNormal
	if w.Priority != nil {
		m.PriorityLevel = Priority(*w.Priority)
	}
	if w.ExpireAfter != nil {
		m.ExpireAfterSeconds = *w.ExpireAfter
	}

	m.CommandPayload = nil
	m.ResponsePayload = nil
	m.EventPayload = nil
	m.ErrorPayload = nil
	m.DiscoveryRequestPayload = nil
	m.DiscoveryResponsePayload = nil
	m.RegistrationPayload = nil
	m.AuthenticationPayload = nil

	switch m.Kind {
	case Command:
		m.CommandPayload = &CommandPayload{Command: w.Command, Parameters: w.Parameters, Properties: w.Properties}
	case Response:
		m.ResponsePayload = &ResponsePayload{Status: w.Status, Command: w.Command, Properties: w.Properties, Details: w.Details}
	case Event:
		m.EventPayload = &EventPayload{Event: w.Event, Properties: w.Properties, Details: w.Details, RelatedMessageID: w.RelatedMessageID}
	case ErrorType:
		m.ErrorPayload = &ErrorPayload{ErrorCode: w.ErrorCode, ErrorMessage: w.ErrorMessage, Details: w.Details}
	case DiscoveryRequest:
		m.DiscoveryRequestPayload = &DiscoveryRequestPayload{DeviceTypes: w.DeviceTypes, Filter: w.Filter}
	case DiscoveryResponse:
		m.DiscoveryResponsePayload = &DiscoveryResponsePayload{Devices: w.Devices}
	case Registration:
		m.RegistrationPayload = &RegistrationPayload{DeviceInfo: w.DeviceInfo}
	case Authentication:
		m.AuthenticationPayload = &AuthenticationPayload{Method: w.Method, Credentials: w.Credentials}
	default:
		return fmt.Errorf("message: unknown message type %q", w.MessageType)
	}

	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	// Accept without the fractional-second component.
	return time.Parse("2006-01-02T15:04:05Z", s)
}
