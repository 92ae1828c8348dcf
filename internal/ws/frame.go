package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const frameTypeMessage = "message"

// Frame is a parsed inbound frame. Fields keeps the full payload so unknown
// keys pass through to recipients.
type Frame struct {
	Type     string
	Content  string
	SenderID *int
	Fields   map[string]any
}

type frameHeader struct {
	Type    *string `json:"type" validate:"required"`
	Content *string `json:"content" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// parseFrame decodes and validates raw. It covers the malformed input and
// required field checks; sender resolution happens in the relay.
func parseFrame(v *validator.Validate, raw []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, newFrameError(ErrMalformedInput, "invalid JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newFrameError(ErrMalformedInput, "invalid JSON", errors.New("trailing data after frame"))
	}

	for _, key := range []string{"type", "content"} {
		if v, ok := fields[key]; ok && v != nil {
			if _, isString := v.(string); !isString {
				return nil, newFrameError(ErrValidation, "malformed message: "+key+" must be a string", nil)
			}
		}
	}

	header := frameHeader{
		Type:    stringField(fields, "type"),
		Content: stringField(fields, "content"),
	}
	if err := v.Struct(header); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := lo.Map(verrs, func(fe validator.FieldError, _ int) string { return fe.Field() })
			return nil, newFrameError(ErrValidation, "malformed message: missing "+strings.Join(missing, ", "), nil)
		}
		return nil, newFrameError(ErrValidation, "malformed message", err)
	}

	frame := &Frame{Type: *header.Type, Content: *header.Content, Fields: fields}

	senderID, present, err := parseSenderID(fields["senderId"])
	if err != nil {
		return nil, newFrameError(ErrValidation, "senderId must be an integer", err)
	}
	if frame.Type == frameTypeMessage && (!present || senderID == 0) {
		return nil, newFrameError(ErrValidation, "chat messages must include senderId", nil)
	}
	if present {
		frame.SenderID = &senderID
		fields["senderId"] = senderID
	}
	return frame, nil
}

// stringField returns fields[key] when it is a string, nil otherwise.
func stringField(fields map[string]any, key string) *string {
	s, ok := fields[key].(string)
	if !ok {
		return nil
	}
	return &s
}

// parseSenderID accepts JSON integers and numeric strings.
func parseSenderID(value any) (int, bool, error) {
	switch v := value.(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		if id, err := strconv.Atoi(v.String()); err == nil {
			return id, true, nil
		}
		f, err := v.Float64()
		if err != nil || f != float64(int(f)) {
			return 0, false, errors.New("not an integer: " + v.String())
		}
		return int(f), true, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false, nil
		}
		id, err := strconv.Atoi(s)
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	default:
		return 0, false, errors.New("unsupported senderId type")
	}
}

// outbound renders the payload for one audience. The frame's own fields are
// not modified.
func outbound(f *Frame, room string, personal bool) ([]byte, error) {
	extra := map[string]any{"room": room}
	if personal {
		extra["isPersonal"] = true
	}
	return json.Marshal(lo.Assign(f.Fields, extra))
}

func errorFrame(message string) []byte {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	return payload
}
