package tail

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Renderer prints captures in a compact, colored form.
type Renderer struct {
	w           io.Writer
	showHeaders bool
	showBody    bool

	bold   *color.Color
	dim    *color.Color
	green  *color.Color
	cyan   *color.Color
	yellow *color.Color
	red    *color.Color
	purple *color.Color
}

// NewRenderer returns a Renderer writing to w.
func NewRenderer(w io.Writer, noColor, showHeaders, showBody bool) *Renderer {
	r := &Renderer{
		w:           w,
		showHeaders: showHeaders,
		showBody:    showBody,
		bold:        color.New(color.Bold),
		dim:         color.New(color.Faint),
		green:       color.New(color.FgGreen, color.Bold),
		cyan:        color.New(color.FgCyan, color.Bold),
		yellow:      color.New(color.FgYellow, color.Bold),
		red:         color.New(color.FgRed, color.Bold),
		purple:      color.New(color.FgMagenta, color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{r.bold, r.dim, r.green, r.cyan, r.yellow, r.red, r.purple} {
			c.DisableColor()
		}
	}
	return r
}

func (r *Renderer) methodColor(method string) *color.Color {
	switch method {
	case "GET", "HEAD":
		return r.green
	case "POST":
		return r.cyan
	case "PUT", "PATCH":
		return r.yellow
	case "DELETE":
		return r.red
	default:
		return r.purple
	}
}

// Render writes one capture.
func (r *Renderer) Render(c Capture) {
	ts := c.Timestamp.Local().Format(time.TimeOnly)
	r.dim.Fprintf(r.w, "%s ", ts)
	r.methodColor(c.Method).Fprintf(r.w, "%-7s", c.Method)
	fmt.Fprintf(r.w, " %s ", c.RequestID)
	r.dim.Fprintf(r.w, "(%d headers, %d bytes)\n", len(c.Headers), len(c.Body))

	if r.showHeaders && len(c.Headers) > 0 {
		names := make([]string, 0, len(c.Headers))
		for k := range c.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			r.bold.Fprintf(r.w, "  %s", k)
			fmt.Fprintf(r.w, ": %s\n", c.Headers[k])
		}
	}

	if r.showBody && c.Body != "" {
		for _, line := range strings.Split(strings.TrimRight(c.Body, "\n"), "\n") {
			fmt.Fprintf(r.w, "  | %s\n", line)
		}
	}
}

// Status writes an informational line.
func (r *Renderer) Status(format string, args ...any) {
	r.dim.Fprintf(r.w, format+"\n", args...)
}
