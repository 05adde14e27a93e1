// Package logging wires zerolog for testbay: process setup plus the
// context-carried logger every adapter and use case enriches with fields.
package logging

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Standard field names.
const (
	FieldLayer        = "layer"
	FieldAdapter      = "adapter"
	FieldUseCase      = "usecase"
	FieldAction       = "action"
	FieldEntityID     = "entity_id"
	FieldSessionID    = "session_id"
	FieldResourceKind = "resource_kind"
)

// Logger is a zerolog.Logger with error-wrapping helpers.
type Logger struct {
	zerolog.Logger
}

// WrapErr logs err at error level and returns it wrapped with msg.
func (l Logger) WrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	l.Error().Err(err).Msg(msg)
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapErrf is WrapErr with a formatted message.
func (l Logger) WrapErrf(err error, format string, args ...any) error {
	return l.WrapErr(err, fmt.Sprintf(format, args...))
}

// WithCtx returns a context carrying logger.
func WithCtx(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// FromCtx returns the logger carried by ctx, the default context logger, or a
// disabled logger.
func FromCtx(ctx context.Context) Logger {
	return Logger{Logger: *zerolog.Ctx(ctx)}
}

// CtxWithFields returns a context whose logger carries fields.
func CtxWithFields(ctx context.Context, fields map[string]any) context.Context {
	logger := zerolog.Ctx(ctx).With().Fields(fields).Logger()
	return logger.WithContext(ctx)
}

// Nop returns a context with logging disabled. Useful in tests.
func Nop(ctx context.Context) context.Context {
	return zerolog.Nop().WithContext(ctx)
}
