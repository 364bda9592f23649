package pipeline

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalidText is returned by TextEngine for pages that are not UTF-8
var ErrInvalidText = errors.New("page is not valid UTF-8 text")

// Engine extracts text from a single page
type Engine interface {
	ExtractText(ctx context.Context, page []byte) (string, error)
}

// EngineFunc adapts a function to Engine
type EngineFunc func(ctx context.Context, page []byte) (string, error)

func (f EngineFunc) ExtractText(ctx context.Context, page []byte) (string, error) {
	return f(ctx, page)
}

// TextEngine reads pages that already hold text
type TextEngine struct{}

func (TextEngine) ExtractText(ctx context.Context, page []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !utf8.Valid(page) {
		return "", ErrInvalidText
	}
	return strings.TrimSpace(string(page)), nil
}
