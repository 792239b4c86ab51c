package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"agora/cmd/internal/metrics"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// fieldStyle renders one well-known attribute. The returned label replaces
// the attribute key.
type fieldStyle struct {
	label  string
	render func(v slog.Value, color bool) string
}

var fieldStyles = map[string]fieldStyle{
	"method": {render: func(v slog.Value, color bool) string {
		return paint(strings.ToUpper(strings.TrimSpace(v.String())), ansiBright, color)
	}},
	"path": {render: func(v slog.Value, color bool) string {
		return paint(v.String(), ansiCyan, color)
	}},
	"status": {render: func(v slog.Value, color bool) string {
		n, ok := intValue(v)
		if !ok {
			return plainValue(v)
		}
		return paint(strconv.FormatInt(n, 10), classColor(metrics.StatusClass(int(n))), color)
	}},
	"status_class": {label: "class", render: func(v slog.Value, color bool) string {
		return paint(v.String(), classColor(v.String()), color)
	}},
	"duration_ms": {label: "duration", render: func(v slog.Value, color bool) string {
		n, ok := intValue(v)
		if !ok {
			return plainValue(v)
		}
		return paint(strconv.FormatInt(n, 10)+"ms", durationColor(n), color)
	}},
	"code": {render: func(v slog.Value, color bool) string {
		return paint(plainValue(v), ansiYellow, color)
	}},
}

// prettyHandler writes one key=value line per record for local development.
type prettyHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	prefix string
	preset []string
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}

	fields := []string{
		"ts=" + paint(at.Format("15:04:05.000"), ansiDim, h.color),
		"lvl=" + levelTag(r.Level, h.color),
		"msg=" + paint(r.Message, ansiBright, h.color),
	}
	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			loc := filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
			fields = append(fields, "src="+paint(loc, ansiDim, h.color))
		}
	}
	fields = append(fields, h.preset...)
	r.Attrs(func(a slog.Attr) bool {
		fields = h.collect(fields, h.prefix, a)
		return true
	})

	line := strings.Join(fields, " ") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = append([]string(nil), h.preset...)
	for _, a := range attrs {
		next.preset = h.collect(next.preset, h.prefix, a)
	}
	return &next
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// collect appends the rendered form of a, flattening groups into dotted keys.
func (h *prettyHandler) collect(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}

	if a.Value.Kind() == slog.KindGroup {
		inner := prefix
		if a.Key != "" {
			inner = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = h.collect(dst, inner, ga)
		}
		return dst
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return dst
	}
	if style, ok := fieldStyles[key]; ok {
		label := key
		if style.label != "" {
			label = style.label
		}
		return append(dst, prefix+label+"="+style.render(a.Value, h.color))
	}
	return append(dst, prefix+key+"="+plainValue(a.Value))
}

// plainValue formats v, quoting it when it would break key=value parsing.
func plainValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339)
	case slog.KindDuration, slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool:
		s = v.String()
	default:
		s = fmt.Sprint(v.Any())
	}
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func intValue(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	default:
		return 0, false
	}
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}

func classColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	default:
		return ""
	}
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiDim
	}
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}
