package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sentinel causes carried by ProtocolError.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrSchema         = errors.New("frame does not match schema")
	ErrTimestamp      = errors.New("invalid timestamp")
)

// maxExcerpt bounds how much of an offending frame is kept for diagnostics.
const maxExcerpt = 256

// ProtocolError reports a frame that could not be turned into a Message.
// The frame is dropped; the connection stays up.
type ProtocolError struct {
	Kind    string
	Excerpt string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("protocol error (type=%q): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// wireFrame mirrors the JSON object on the wire. Validation tags are only
// evaluated for the fields listed in schemas for the frame's kind.
type wireFrame struct {
	Type      string          `json:"type" validate:"required"`
	TaskID    string          `json:"task_id,omitempty" validate:"required"`
	Status    string          `json:"status,omitempty" validate:"required"`
	Message   string          `json:"message,omitempty" validate:"required"`
	Progress  *float64        `json:"progress,omitempty" validate:"omitempty,gte=0,lte=100"`
	Timestamp string          `json:"timestamp" validate:"required"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// schemas lists, per kind, the wireFrame fields that must validate.
var schemas = map[Kind][]string{
	KindSubscribe:    {"Type", "Timestamp", "TaskID"},
	KindPing:         {"Type", "Timestamp"},
	KindGetStatus:    {"Type", "Timestamp"},
	KindStatusUpdate: {"Type", "Timestamp", "TaskID", "Status", "Progress"},
	KindError:        {"Type", "Timestamp", "Message"},
	KindPong:         {"Type", "Timestamp"},
	KindHeartbeat:    {"Type", "Timestamp"},
	KindConnection:   {"Type", "Timestamp"},
	KindSubscribed:   {"Type", "Timestamp", "TaskID"},
	KindStatus:       {"Type", "Timestamp"},
}

// timestampLayouts covers RFC 3339 and the naive ISO-8601 form the server
// produces (no zone designator).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse decodes and validates one inbound frame.
// Unknown kinds and schema violations are returned as *ProtocolError.
// The status value itself is not checked here; that is the task layer's job.
func Parse(frame []byte) (Message, error) {
	var w wireFrame
	if err := json.Unmarshal(frame, &w); err != nil {
		return Message{}, &ProtocolError{
			Excerpt: excerpt(frame),
			Err:     fmt.Errorf("%w: %v", ErrMalformedFrame, err),
		}
	}

	kind := Kind(w.Type)
	fields, ok := schemas[kind]
	if !ok {
		return Message{}, &ProtocolError{
			Kind:    w.Type,
			Excerpt: excerpt(frame),
			Err:     fmt.Errorf("%w: %q", ErrUnknownKind, w.Type),
		}
	}

	if err := validate.StructPartial(&w, fields...); err != nil {
		return Message{}, &ProtocolError{
			Kind:    w.Type,
			Excerpt: excerpt(frame),
			Err:     fmt.Errorf("%w: %s", ErrSchema, describe(err)),
		}
	}

	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return Message{}, &ProtocolError{
			Kind:    w.Type,
			Excerpt: excerpt(frame),
			Err:     err,
		}
	}

	return Message{
		Kind:      kind,
		TaskID:    w.TaskID,
		Status:    w.Status,
		Text:      w.Message,
		Progress:  w.Progress,
		Timestamp: ts,
		Data:      w.Data,
	}, nil
}

// Encode serializes an outbound message. A zero timestamp is replaced by
// the current time.
func Encode(msg Message) ([]byte, error) {
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	w := wireFrame{
		Type:      string(msg.Kind),
		TaskID:    msg.TaskID,
		Status:    msg.Status,
		Message:   msg.Text,
		Progress:  msg.Progress,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Data:      msg.Data,
	}

	if err := validate.StructPartial(&w, schemas[msg.Kind]...); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchema, describe(err))
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("메시지 직렬화 실패: %w", err)
	}
	return data, nil
}

// ParseTimestamp parses the timestamp formats the server emits.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrTimestamp, raw)
}

// describe flattens validator errors into "field:tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+":"+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

func excerpt(frame []byte) string {
	if len(frame) > maxExcerpt {
		return string(frame[:maxExcerpt]) + "..."
	}
	return string(frame)
}
