package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs. When the
//     writer is a TTY, the message tag is colorized (green for
//     "*_complete"/"*_applied" events, yellow for "*_down"/"*_fail"/
//     "*_failed" events, default otherwise) so an operator watching the coordinator
//     live can scan a scrolling log without reading every field.
//   - JSON mode: one JSON object per line (JSONL), never colorized.
//
// Example text output:
//
//	[replica_launch] runID=run-001 tick=4 replicaID=2
//
// Example JSON output:
//
//	{"runID":"run-001","tick":4,"replicaID":"2","msg":"replica_launch","meta":null}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
	color    bool
}

// NewLogEmitter creates a new LogEmitter. A nil writer defaults to
// os.Stdout. Colorized text output is enabled automatically when jsonMode
// is false and writer is a TTY.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	useColor := false
	if !jsonMode {
		if f, ok := writer.(*os.File); ok {
			useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
		color:    useColor,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID     string                 `json:"runID"`
		Tick      int                    `json:"tick"`
		ReplicaID string                 `json:"replicaID"`
		Msg       string                 `json:"msg"`
		Meta      map[string]interface{} `json:"meta"`
	}{
		RunID:     event.RunID,
		Tick:      event.Tick,
		ReplicaID: event.ReplicaID,
		Msg:       event.Msg,
		Meta:      event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	tag := "[" + event.Msg + "]"
	if l.color {
		tag = colorizeTag(event.Msg)
	}
	_, _ = fmt.Fprintf(l.writer, "%s runID=%s tick=%d replicaID=%s",
		tag, event.RunID, event.Tick, event.ReplicaID)

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes events in order, minimizing per-event overhead. In JSON
// mode events are written as JSONL; in text mode they are written one per
// line in the same format as Emit.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	if l.jsonMode {
		for _, event := range events {
			l.emitJSON(event)
		}
	} else {
		for _, event := range events {
			l.emitText(event)
		}
	}

	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffering. If the underlying writer is a bufio.Writer, flush it directly.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}

func colorizeTag(msg string) string {
	tag := "[" + msg + "]"
	switch {
	case strings.HasSuffix(msg, "_complete"), strings.HasSuffix(msg, "_applied"):
		return color.GreenString(tag)
	case strings.HasSuffix(msg, "_down"), strings.HasSuffix(msg, "_fail"), strings.HasSuffix(msg, "_failed"):
		return color.YellowString(tag)
	default:
		return tag
	}
}
