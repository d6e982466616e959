// Package logging emits one summary line per Connect request.
package logging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
)

type InterceptorConf struct {
	// GetLogLevel decides the level for successful requests. Defaults
	// to debug.
	GetLogLevel func(ctx context.Context, info connect.Spec) zerolog.Level

	// SlowThreshold bumps successful requests that take longer than this
	// to info, e.g. blocks resolved with all their transactions. Zero
	// disables it.
	SlowThreshold time.Duration
}

// Interceptor is a unary server Connect interceptor that logs all
// incoming requests and responses
func Interceptor(conf InterceptorConf) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			procedure := req.Spec().Procedure

			log := zerolog.Ctx(ctx)

			// All lines for this request carry the endpoint, panics included.
			log.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("endpoint", procedure)
			})

			resp, handlerErr := next(ctx, req)
			took := time.Since(start)

			// handlerErr is only described here, never mutated.
			code := codeOf(handlerErr)

			base := zerolog.DebugLevel
			if conf.GetLogLevel != nil {
				base = conf.GetLogLevel(ctx, req.Spec())
			}
			level := levelFor(code, handlerErr != nil, base)

			slow := conf.SlowThreshold > 0 && took > conf.SlowThreshold
			if slow && level < zerolog.InfoLevel {
				level = zerolog.InfoLevel
			}

			log.WithLevel(level).
				Stringer("duration", took).
				Str("status", describeCode(code)).
				Str("protocol", req.Peer().Protocol).
				Bool("slow", slow).
				Err(handlerErr).
				Msg(summary(procedure, code, handlerErr))

			return resp, handlerErr
		}
	}
}

func codeOf(err error) connect.Code {
	if err == nil {
		return 0
	}

	if code := connect.CodeOf(err); code != 0 {
		return code
	}
	return connect.CodeInternal
}

// levelFor picks the log level for a finished request. Internal and
// unknown errors are bugs, and always log at error.
func levelFor(code connect.Code, failed bool, base zerolog.Level) zerolog.Level {
	switch {
	case code == connect.CodeInternal, code == connect.CodeUnknown:
		return zerolog.ErrorLevel

	case code == connect.CodeCanceled:
		return zerolog.InfoLevel

	// The node being down, busy or rejecting our credentials.
	case code == connect.CodeDeadlineExceeded,
		code == connect.CodeUnavailable,
		code == connect.CodePermissionDenied:
		return zerolog.WarnLevel

	case failed && base < zerolog.InfoLevel:
		return zerolog.InfoLevel
	}

	return base
}

// summary renders "<procedure>: <status>[: <message>]", without
// repeating the status Connect already prefixes the error with.
func summary(procedure string, code connect.Code, err error) string {
	message := fmt.Sprintf("%s: %s", procedure, describeCode(code))
	if err == nil {
		return message
	}

	errMessage := err.Error()
	if _, trimmed, ok := strings.Cut(errMessage, describeCode(code)+": "); ok {
		errMessage = trimmed
	}

	return message + ": " + errMessage
}

func describeCode(code connect.Code) string {
	if code == 0 {
		return "ok"
	}

	return code.String()
}
