// Package rfid reads animal tags from a serial RFID reader.
package rfid

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const maxRetry = 30 * time.Second

// Port is the reader's byte stream.
type Port interface {
	io.ReadCloser
	ResetInputBuffer() error
}

// Config holds reader settings.
type Config struct {
	Port      string
	BaudRate  int
	TagLength int
	// Trailing is the number of checksum bytes after the tag.
	Trailing int
	// RetryInterval is the first reconnect delay; it doubles up to 30s.
	RetryInterval time.Duration
}

// Reader turns reader frames into tags. Tags read while the consumer is busy
// are dropped: a tube holds one animal and the controller flushes the reader
// after every session.
type Reader struct {
	tagLength int
	trailing  int
	log       *zap.Logger
	tags      chan string

	open  func() (Port, error)
	retry time.Duration

	mu     sync.Mutex
	port   Port
	closed bool
}

// Open returns a reader for the configured serial port. The port is opened
// by Run, which keeps reconnecting while the reader is unplugged.
func Open(cfg Config, log *zap.Logger) *Reader {
	return Dial(func() (Port, error) {
		port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("open rfid reader %s: %w", cfg.Port, err)
		}
		return port, nil
	}, cfg.TagLength, cfg.Trailing, cfg.RetryInterval, log)
}

// Dial returns a reader that obtains its port from open and reopens it after
// read errors.
func Dial(open func() (Port, error), tagLength, trailing int, retry time.Duration, log *zap.Logger) *Reader {
	r := newReader(tagLength, trailing, log)
	r.open = open
	if retry > 0 {
		r.retry = retry
	}
	return r
}

// NewReader wraps an open port. Run ends when the port fails.
func NewReader(port Port, tagLength, trailing int, log *zap.Logger) *Reader {
	r := newReader(tagLength, trailing, log)
	r.port = port
	return r
}

func newReader(tagLength, trailing int, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{
		tagLength: tagLength,
		trailing:  trailing,
		log:       log.Named("rfid"),
		tags:      make(chan string, 1),
		retry:     time.Second,
	}
}

// Tags returns the channel of parsed tags. It is closed when Run returns.
func (r *Reader) Tags() <-chan string {
	return r.tags
}

// Flush discards unread reader input. It is a no-op while disconnected.
func (r *Reader) Flush() error {
	r.mu.Lock()
	port := r.port
	r.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.ResetInputBuffer()
}

// Close closes the port, which ends Run.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.port == nil {
		return nil
	}
	return r.port.Close()
}

// Run reads frames until ctx is done. Read errors are logged; a dialed
// reader reconnects with backoff, a wrapped port ends Run.
func (r *Reader) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()
	defer close(r.tags)

	delay := r.retry
	for {
		r.mu.Lock()
		port, closed := r.port, r.closed
		r.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		if port == nil {
			if r.open == nil || !r.connect(ctx, &delay) {
				return
			}
			continue
		}

		err := r.readFrames(port)
		if ctx.Err() != nil || r.isClosed() {
			return
		}
		if r.open == nil {
			if !errors.Is(err, io.EOF) {
				r.log.Error("rfid reader failed, no more tags", zap.Error(err))
			}
			return
		}
		r.log.Warn("rfid reader lost, reconnecting", zap.Error(err))
		r.drop(port)
	}
}

// connect opens the port, waiting between attempts. It reports false when
// ctx ends or the reader is closed first.
func (r *Reader) connect(ctx context.Context, delay *time.Duration) bool {
	for {
		port, err := r.open()
		if err == nil {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				port.Close()
				return false
			}
			r.port = port
			r.mu.Unlock()
			*delay = r.retry
			r.log.Info("rfid reader connected")
			return true
		}

		r.log.Warn("rfid reader unavailable", zap.Duration("retry", *delay), zap.Error(err))
		timer := time.NewTimer(*delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		*delay = min(*delay*2, maxRetry)
	}
}

func (r *Reader) drop(port Port) {
	r.mu.Lock()
	if r.port == port {
		r.port = nil
	}
	r.mu.Unlock()
	port.Close()
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// readFrames delivers tags from port until a read fails.
func (r *Reader) readFrames(port Port) error {
	br := bufio.NewReader(port)
	var frame []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		if b != '\r' && b != '\n' {
			frame = append(frame, b)
			continue
		}
		if len(frame) == 0 {
			continue
		}

		tag, ok := ParseFrame(frame, r.tagLength, r.trailing)
		frame = frame[:0]
		if !ok {
			r.log.Debug("discarding short rfid frame")
			continue
		}

		select {
		case r.tags <- tag:
			r.log.Debug("tag read", zap.String("tag", tag))
		default:
			r.log.Debug("tag dropped, controller busy", zap.String("tag", tag))
		}
		// Tags repeat while the animal stays near the antenna.
		if err := port.ResetInputBuffer(); err != nil {
			r.log.Warn("flush rfid input", zap.Error(err))
		}
	}
}

// ParseFrame extracts a tag from one reader frame, without its terminator.
// The last trailing bytes are the reader's checksum and are dropped. Of the
// rest, anything that is not a letter or digit is dropped; readers sometimes
// prepend extra bytes, so the last tagLength characters are the tag.
func ParseFrame(frame []byte, tagLength, trailing int) (string, bool) {
	if trailing < 0 || trailing >= len(frame) {
		return "", false
	}
	frame = frame[:len(frame)-trailing]

	var sb strings.Builder
	for _, b := range frame {
		switch {
		case b >= '0' && b <= '9', b >= 'A' && b <= 'Z':
			sb.WriteByte(b)
		case b >= 'a' && b <= 'z':
			sb.WriteByte(b - 'a' + 'A')
		}
	}
	tag := sb.String()
	if len(tag) < tagLength {
		return "", false
	}
	return tag[len(tag)-tagLength:], true
}
