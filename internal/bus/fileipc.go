package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"tributary/internal/domain"
	"tributary/internal/logging"
	"tributary/internal/metrics"
	"tributary/internal/stream"
)

const fileSender = "file-ipc"

type FileOptions struct {
	// Path defaults to <tmp>/tributary_bus_<topic>.log.
	Path string
	// Replay starts the tail at offset 0 instead of end-of-file.
	Replay       bool
	PollInterval time.Duration
}

// fileBackend shares one append-only JSON-lines file between processes.
// Every process tails the file, its own lines included.
type fileBackend struct {
	path     string
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	offset int64
}

func newFileBackend(topic string, o FileOptions, now func() time.Time) (*fileBackend, error) {
	path := o.Path
	if path == "" {
		path = filepath.Join(os.TempDir(), "tributary_bus_"+topic+".log")
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bus file dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bus file: %w", err)
	}
	st, err := f.Stat()
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("stat bus file: %w", err)
	}
	b := &fileBackend{path: path, interval: o.PollInterval, now: now}
	if !o.Replay {
		b.offset = st.Size()
	}
	return b, nil
}

func (b *fileBackend) Name() string { return ModeFile }

func (b *fileBackend) Publish(_ context.Context, msg domain.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bus line: %w", err)
	}
	line = append(line, '\n')
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open bus file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append bus line: %w", err)
	}
	metrics.BusPublished.WithLabelValues(ModeFile).Inc()
	return nil
}

func (b *fileBackend) Services(topic *stream.Node) []suture.Service {
	deliver := deliverTo(topic)
	return []suture.Service{&loop{
		name: "bus-file-tail",
		run: func(ctx context.Context) error {
			t := time.NewTicker(b.interval)
			defer t.Stop()
			for {
				if err := b.poll(ctx, deliver); err != nil {
					logging.Component("bus.file").Warn().Err(err).Str("path", b.path).Msg("tail poll failed")
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
			}
		},
	}}
}

// poll reads the complete lines written since the last poll. A trailing
// partial line stays unread until its newline arrives.
func (b *fileBackend) poll(ctx context.Context, deliver func(context.Context, any) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < b.offset {
		// truncated by someone else; start over
		b.offset = 0
	}
	if _, err := f.Seek(b.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	b.offset += int64(end + 1)
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := deliver(ctx, b.parseLine(line)); err != nil {
			logging.Component("bus.file").Warn().Err(err).Msg("delivery failed")
			continue
		}
		metrics.BusDelivered.WithLabelValues(ModeFile).Inc()
	}
	return nil
}

func (b *fileBackend) parseLine(line []byte) any {
	var v any
	if err := json.Unmarshal(line, &v); err == nil {
		return v
	}
	return domain.Message{Sender: fileSender, Message: string(line), TS: domain.Epoch(b.now())}.Map()
}

func (b *fileBackend) Describe() map[string]any {
	return map[string]any{"backend": ModeFile, "file_path": b.path}
}

func (b *fileBackend) Close() error { return nil }
