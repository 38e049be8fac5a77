package logs

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// New returns a line buffered writer prefixing every line with its scope.
// Subsystems share the target, so concurrent runs and stages never interleave
// within a line.
func New(target io.Writer, name string) LogWriter {
	return NewDecorated(target, name, NewDefaultDecorator("", ""))
}

func NewDecorated(target io.Writer, name string, decorator Decorator) LogWriter {
	root := &rootLogWriter{
		target:    target,
		decorator: decorator,
		pending:   make(map[string][]byte),
	}
	return newScopedLogWriter(root, name)
}

func Discard() LogWriter {
	return New(io.Discard, "")
}

type LogWriter interface {
	io.Writer
	io.StringWriter
	Printer
	Subsystem(name string) LogWriter
	Scope() string
	// Flush terminates a pending partial line of this scope.
	Flush() error
}

type Printer interface {
	Print(a ...any) (int, error)
	Printf(format string, a ...any) (int, error)
	Println(a ...any) (int, error)
}

type Decorator interface {
	// Get the unique name for a subsystem for the specified scope
	Subsystem(scope, name string) string
	// Get the prefix for a line
	LinePrefix(scope string) string
}

const NEWLINE = '\n'

type rootLogWriter struct {
	target    io.Writer
	decorator Decorator

	pending map[string][]byte
	sync.Mutex
}

func (w *rootLogWriter) writeScope(scope string, b []byte) (int, error) {
	w.Lock()
	defer w.Unlock()

	buffer := append(w.pending[scope], b...)
	var out bytes.Buffer
	for {
		i := bytes.IndexByte(buffer, NEWLINE)
		if i < 0 {
			break
		}
		out.WriteString(w.decorator.LinePrefix(scope))
		out.Write(buffer[:i+1])
		buffer = buffer[i+1:]
	}

	if len(buffer) > 0 {
		w.pending[scope] = append([]byte(nil), buffer...)
	} else {
		delete(w.pending, scope)
	}

	if out.Len() > 0 {
		if _, err := w.target.Write(out.Bytes()); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func (w *rootLogWriter) flushScope(scope string) error {
	w.Lock()
	defer w.Unlock()

	buffer, ok := w.pending[scope]
	if !ok {
		return nil
	}
	delete(w.pending, scope)

	line := make([]byte, 0, len(buffer)+len(scope)+4)
	line = append(line, w.decorator.LinePrefix(scope)...)
	line = append(line, buffer...)
	line = append(line, NEWLINE)
	_, err := w.target.Write(line)
	return err
}

func newScopedLogWriter(root *rootLogWriter, scope string) LogWriter {
	w := &scopedLogWriter{root: root, scope: scope}
	w.printer = printer{w}
	return w
}

type scopedLogWriter struct {
	root  *rootLogWriter
	scope string

	printer
}

func (w *scopedLogWriter) Write(b []byte) (int, error) {
	return w.root.writeScope(w.scope, b)
}

func (w *scopedLogWriter) WriteString(s string) (int, error) {
	return w.root.writeScope(w.scope, []byte(s))
}

func (w *scopedLogWriter) Subsystem(name string) LogWriter {
	return newScopedLogWriter(w.root, w.root.decorator.Subsystem(w.scope, name))
}

func (w *scopedLogWriter) Scope() string {
	return w.scope
}

func (w *scopedLogWriter) Flush() error {
	return w.root.flushScope(w.scope)
}

type printer struct {
	target io.Writer
}

func (p printer) Print(a ...any) (int, error) {
	return fmt.Fprint(p.target, a...)
}

func (p printer) Printf(format string, a ...any) (int, error) {
	return fmt.Fprintf(p.target, format, a...)
}

func (p printer) Println(a ...any) (int, error) {
	return fmt.Fprintln(p.target, a...)
}

// NewDefaultDecorator prefixes lines with "[scope<marker>] ". A prefix template
// receives the bracketed scope as its only argument.
func NewDefaultDecorator(marker, prefixTemplate string) Decorator {
	return defaultDecorator{marker: marker, prefixTemplate: prefixTemplate}
}

type defaultDecorator struct {
	marker, prefixTemplate string
}

func (d defaultDecorator) Subsystem(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + ":" + name
}

func (d defaultDecorator) LinePrefix(scope string) string {
	if scope == "" {
		return ""
	}

	prefix := "[" + scope + d.marker + "]"
	if d.prefixTemplate != "" {
		prefix = fmt.Sprintf(d.prefixTemplate, prefix)
	}
	return prefix + " "
}
