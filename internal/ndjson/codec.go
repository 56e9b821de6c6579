package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize is the maximum NDJSON line size (256 KiB)
const MaxMessageSize = 256 * 1024

// LineError reports a single line that could not be decoded. The stream is
// still readable after a LineError; callers may skip the line and continue.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// IsLineError reports whether err is a recoverable per-line error.
func IsLineError(err error) bool {
	var le *LineError
	return errors.As(err, &le)
}

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush per line so concurrent readers see whole records
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// ErrLineTooLong is the cause of a LineError for a line over MaxMessageSize.
var ErrLineTooLong = fmt.Errorf("line exceeds size limit %d", MaxMessageSize)

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	reader  *bufio.Reader
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logger,
	}
}

// Line returns the number of the line most recently read.
func (d *Decoder) Line() int { return d.lineNum }

// Decode reads the next non-blank line into v. It returns io.EOF at the end
// of the stream, a *LineError for a line that is not valid JSON or exceeds
// MaxMessageSize, and any other error for a broken stream.
func (d *Decoder) Decode(v any) error {
	for {
		data, size, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("read error at line %d: %w", d.lineNum+1, err)
		}
		d.lineNum++
		if size > MaxMessageSize {
			d.logger.Warn("skipping oversized line",
				"line", d.lineNum,
				"size", size,
				"limit", MaxMessageSize)
			return &LineError{Line: d.lineNum, Err: ErrLineTooLong}
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Debug("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return &LineError{Line: d.lineNum, Err: err}
		}
		return nil
	}
}

// readLine returns the next line without its newline and the line's full
// size. Bytes past MaxMessageSize are consumed but not kept. A final line
// without a newline is returned; io.EOF only when nothing is left.
func (d *Decoder) readLine() ([]byte, int, error) {
	var (
		line []byte
		size int
	)
	for {
		chunk, err := d.reader.ReadSlice('\n')
		size += len(chunk)
		if size <= MaxMessageSize+1 {
			line = append(line, chunk...)
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if size == 0 {
				return nil, 0, io.EOF
			}
			return line, size, nil
		case err != nil:
			return nil, 0, err
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		return line, size - 1, nil
	}
}
