package protocol

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// codec is encoding/json compatible so raw ids and opaque state survive
// byte for byte.
var codec = sonic.ConfigStd

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// Decode parses one inbound frame. A frame that is not JSON yields a
// PARSE_ERROR and the caller replies with a null id. JSON that is not an
// envelope object yields INVALID_REQUEST together with a message carrying
// whatever id could be read, so the reply can still be correlated.
func Decode(data []byte) (*Message, error) {
	if !codec.Valid(data) {
		return nil, NewError(KindParseError, "malformed JSON frame", nil)
	}
	var msg Message
	if err := Unmarshal(data, &msg); err != nil {
		return &Message{ID: frameID(data)}, NewError(KindInvalidRequest, "frame is not a JSON-RPC 2.0 envelope", map[string]any{
			"detail": err.Error(),
		})
	}
	return &msg, nil
}

// frameID reads the id member of an object frame whose other members do not
// decode.
func frameID(data []byte) json.RawMessage {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := Unmarshal(data, &head); err != nil {
		return nil
	}
	return head.ID
}

// DecodeParams decodes and validates params into v, which must be a pointer
// to a params struct. Absent params decode as an empty object.
func DecodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return NewError(KindInvalidParams, "params must be an object", nil)
	}
	if err := Unmarshal(raw, v); err != nil {
		return NewError(KindInvalidParams, "params do not match the method signature", map[string]any{
			"detail": err.Error(),
		})
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	if c, ok := v.(interface{ check() error }); ok {
		return c.check()
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) || len(verrs) == 0 {
		return NewError(KindInvalidParams, err.Error(), nil)
	}
	fe := verrs[0]
	msg := fe.Field() + " is invalid"
	switch fe.Tag() {
	case "required":
		msg = fe.Field() + " is required"
	case "gte":
		msg = fe.Field() + " must be >= " + fe.Param()
	}
	return NewError(KindInvalidParams, msg, map[string]any{"field": fe.Field()})
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
