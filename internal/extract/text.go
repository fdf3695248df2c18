package extract

import (
	"context"
	"strings"
)

// Text extracts plain-text payloads. Invalid UTF-8 sequences and NUL
// bytes are dropped so the result is safe to store in a TEXT column.
type Text struct{}

func (Text) Extract(_ context.Context, data []byte) (string, error) {
	s := strings.ToValidUTF8(string(data), "")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s), nil
}
