package stream

import (
	"context"
	"fmt"
	"sync"

	"tributary/internal/logging"
)

// ErrorEvent is what sink-like nodes push into their error stream.
type ErrorEvent struct {
	Node  string
	Value any
	Err   error
}

func (e ErrorEvent) Error() string {
	return fmt.Sprintf("%s: %v", e.Node, e.Err)
}

func (e ErrorEvent) Unwrap() error { return e.Err }

var (
	errorsOnce sync.Once
	errorsNode *Node
	warnOnce   sync.Once
	warnNode   *Node
)

// Errors is the process-wide error stream. Every event is logged and then
// forwarded to whatever is connected downstream.
func Errors() *Node {
	errorsOnce.Do(func() {
		errorsNode = newNode(KindSink, logTo("error"), WithName("errors"), SyncOnly())
	})
	return errorsNode
}

// Warnings is the process-wide warning stream.
func Warnings() *Node {
	warnOnce.Do(func() {
		warnNode = newNode(KindSink, logTo("warn"), WithName("warnings"), SyncOnly())
	})
	return warnNode
}

func logTo(level string) Handler {
	return func(ctx context.Context, n *Node, v any) ([]any, error) {
		log := logging.Component("stream")
		ev := log.Error()
		if level == "warn" {
			ev = log.Warn()
		}
		switch x := v.(type) {
		case ErrorEvent:
			ev.Str("node", x.Node).Err(x.Err).Interface("value", x.Value).Msg("node failed")
		case error:
			ev.Err(x).Msg(n.name)
		default:
			ev.Interface("event", v).Msg(n.name)
		}
		return n.Propagate(ctx, v)
	}
}

func (n *Node) report(v any, err error) {
	n.errorStream().Emit(ErrorEvent{Node: n.String(), Value: v, Err: err})
}
