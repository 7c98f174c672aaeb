package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"drydock/internal/telemetry"
)

// TelemetryOutput renders update spans as progress: a live checklist on a
// terminal, one line per state change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput() *TelemetryOutput {
	if IsInteractive() {
		checklist := NewChecklist()
		return newTelemetryOutput(checklist.OnSnapshot, checklist.Close)
	}
	return newTelemetryOutput(newLineTelemetry(os.Stderr).OnSnapshot, nil)
}

func newTelemetryOutput(report func(stepSnapshot), closeFn func()) *TelemetryOutput {
	processor := newStepSpanProcessor(newStepObserver(report))
	return &TelemetryOutput{
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(processor)),
		closeFn:  closeFn,
	}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	return o.provider.Tracer(name)
}

func (o *TelemetryOutput) Close() {
	_ = o.provider.Shutdown(context.Background())
	if o.closeFn != nil {
		o.closeFn()
	}
}

// lineTelemetry prints a line whenever a step changes status or message.
type lineTelemetry struct {
	out  io.Writer
	mu   sync.Mutex
	seen map[string]string
}

func newLineTelemetry(out io.Writer) *lineTelemetry {
	return &lineTelemetry{out: out, seen: make(map[string]string)}
}

func (l *lineTelemetry) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		key := string(step.Status) + "\x00" + step.Message
		if l.seen[step.ID] == key {
			continue
		}
		l.seen[step.ID] = key
		fmt.Fprintln(l.out, formatStepLine(step, step.Message))
	}
}

func formatStepLine(step stepState, msg string) string {
	var prefix string
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	default:
		prefix = "[..]"
	}

	title := strings.TrimSpace(step.Title)
	if title == "" {
		title = step.ID
	}
	line := stepIndent(step) + prefix + " " + title
	var notes []string
	if e := formatElapsed(step.Elapsed); e != "" && step.finished() {
		notes = append(notes, e)
	}
	if msg = strings.TrimSpace(msg); msg != "" {
		notes = append(notes, msg)
	}
	if len(notes) > 0 {
		line += " (" + strings.Join(notes, ", ") + ")"
	}
	return line
}

// stepSpanProcessor turns spans into steps. A span carrying an instance
// attribute becomes a step named by the instance; other spans nest under
// their parent, so the apply step of web/0 shows as web/0/apply.
type stepSpanProcessor struct {
	observer *stepObserver

	mu  sync.Mutex
	ids map[trace.SpanID]string
}

func newStepSpanProcessor(observer *stepObserver) *stepSpanProcessor {
	return &stepSpanProcessor{observer: observer, ids: make(map[trace.SpanID]string)}
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	p.mu.Lock()
	id := span.Name()
	if instance := attributeValue(span.Attributes(), telemetry.InstanceKey); instance != "" {
		id = instance
	} else if parent, ok := p.ids[span.Parent().SpanID()]; ok && span.Parent().IsValid() {
		id = parent + "/" + span.Name()
	}
	p.ids[span.SpanContext().SpanID()] = id
	p.mu.Unlock()

	p.observer.onStepStart(id)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	p.mu.Lock()
	id, ok := p.ids[span.SpanContext().SpanID()]
	delete(p.ids, span.SpanContext().SpanID())
	p.mu.Unlock()
	if !ok {
		return
	}

	status := span.Status()
	p.observer.onStepEnd(id, status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
