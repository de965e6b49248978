package logbuf

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute that fills Entry.Component.
const ComponentKey = "component"

// Handler tees records into a Buffer and an inner handler. The buffer sees
// every level; the inner handler keeps its own level filter.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	attrs := make(map[string]any)
	collect := func(a slog.Attr) bool {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			e.Component = a.Value.String()
			return true
		}
		attrs[h.qualify(a.Key)] = resolveAttrValue(a.Value)
		return true
	}
	for _, a := range h.attrs {
		if a.Key == ComponentKey {
			e.Component = a.Value.String()
			continue
		}
		collect(a)
	}
	r.Attrs(collect)
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	h.buf.Write(e)

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) qualify(key string) string {
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return key
}

// resolveAttrValue converts slog values to JSON-safe types. Errors become
// their message so they don't marshal to {}.
func resolveAttrValue(v slog.Value) any {
	v = v.Resolve()
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	if d, ok := raw.(interface{ String() string }); ok && v.Kind() == slog.KindAny {
		return d.String()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}
