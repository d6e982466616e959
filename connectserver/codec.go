package connectserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec replaces Connect's protojson codec, so that handlers can use
// plain Go structs as messages.
//
// Unmarshalling:
//  1. Unknown fields are rejected
//  2. We make sure to not leak internal details on unmarshalling errors
type jsonCodec struct{}

func (c jsonCodec) Name() string {
	return "json"
}

func (c jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (c jsonCodec) Unmarshal(binary []byte, message any) error {
	if len(binary) == 0 {
		return errors.New("zero-length payload is not a valid JSON object")
	}

	if !json.Valid(binary) {
		return connect.NewError(connect.CodeInvalidArgument, errors.New("invalid json"))
	}

	decoder := json.NewDecoder(bytes.NewReader(binary))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(message)
	if err == nil {
		return nil
	}

	// We want to hide internal details on unmarshalling errors, but still
	// provide a meaningful error message.
	if _, field, ok := strings.Cut(err.Error(), "unknown field"); ok {
		field = strings.TrimLeft(field, ": ")
		field, _, _ = strings.Cut(field, ",")
		return connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("unknown field: %q", strings.Trim(field, `"`)))
	}

	if field, ok := mismatchedField(err); ok {
		return connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("invalid value for %q", field))
	}

	// Get it in the logs. Unfortunate that we
	// cannot correlate with the request...
	zerolog.Ctx(context.Background()).Err(err).
		Msgf("server: json codec: unable to unmarshal %T", message)

	return connect.NewError(connect.CodeInvalidArgument, errors.New("unable to parse request"))
}

// mismatchedField digs the field name out of a type mismatch error, which
// jsoniter reports as "<Type>.<field>: ...".
func mismatchedField(err error) (string, bool) {
	msg := err.Error()
	head, _, ok := strings.Cut(msg, ": ")
	if !ok {
		return "", false
	}

	idx := strings.LastIndex(head, ".")
	if idx < 0 || idx == len(head)-1 || strings.ContainsAny(head, " #") {
		return "", false
	}

	return head[idx+1:], true
}

// JSONCodec returns the codec the server speaks, for use by clients:
//
//	connect.NewClient[Req, Res](httpClient, url, connect.WithCodec(connectserver.JSONCodec()))
func JSONCodec() connect.Codec {
	return jsonCodec{}
}

var _ connect.Codec = new(jsonCodec)
