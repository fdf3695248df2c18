package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Error describes an extraction failure. Unsupported marks payload
// types no extractor handles; everything else is retryable under the
// queue's retry policy.
type Error struct {
	MIME        string
	Unsupported bool
	Err         error
}

func (e *Error) Error() string {
	if e.Unsupported {
		return fmt.Sprintf("unsupported content type %q", e.MIME)
	}
	return fmt.Sprintf("extracting %s content: %v", e.MIME, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Extractor turns one attachment payload into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Registry routes attachment payloads to extractors by MIME type. Exact
// matches win over prefix matches, so "text/html" can override a
// catch-all "text/" handler.
type Registry struct {
	exact  map[string]Extractor
	prefix map[string]Extractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:  make(map[string]Extractor),
		prefix: make(map[string]Extractor),
	}
}

// NewDefaultRegistry wires the standard extractors. captioner may be
// nil, which leaves image types unsupported.
func NewDefaultRegistry(captioner Captioner) *Registry {
	r := NewRegistry()
	r.RegisterPrefix("text/", Text{})
	r.Register("application/json", Text{})
	r.Register("text/html", HTML{})
	r.Register("application/xhtml+xml", HTML{})
	r.Register("application/pdf", PDF{})
	if captioner != nil {
		r.RegisterPrefix("image/", Image{Captioner: captioner})
	}
	return r
}

// Register binds an extractor to an exact MIME type.
func (r *Registry) Register(mimeType string, e Extractor) {
	r.exact[normalizeMIME(mimeType)] = e
}

// RegisterPrefix binds an extractor to a MIME type prefix such as
// "image/".
func (r *Registry) RegisterPrefix(prefix string, e Extractor) {
	r.prefix[strings.ToLower(prefix)] = e
}

// Extract routes data to the extractor registered for mimeType. All
// failures come back as *Error; unsupported types are flagged so the
// caller can park them instead of retrying.
func (r *Registry) Extract(ctx context.Context, mimeType string, data []byte) (string, error) {
	mt := normalizeMIME(mimeType)

	ex, ok := r.exact[mt]
	if !ok {
		for prefix, pe := range r.prefix {
			if strings.HasPrefix(mt, prefix) {
				ex, ok = pe, true
				break
			}
		}
	}
	if !ok {
		return "", &Error{MIME: mt, Unsupported: true, Err: errors.New("no extractor registered")}
	}

	text, err := ex.Extract(ctx, data)
	if err != nil {
		var extractErr *Error
		if errors.As(err, &extractErr) {
			return "", err
		}
		return "", &Error{MIME: mt, Err: err}
	}
	return text, nil
}

// normalizeMIME strips parameters like "; charset=utf-8" and lowercases
// the type.
func normalizeMIME(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
