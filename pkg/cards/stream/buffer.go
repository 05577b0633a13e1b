package stream

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DefaultThreshold is the number of new runes that may accumulate without a
// flush. The flush happens on the rune that exceeds it.
const DefaultThreshold = 20

// ErrTerminal is returned by a Buffer that already finished or failed.
var ErrTerminal = errors.New("stream buffer is terminal")

type Status int

const (
	StatusStreaming Status = iota
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Update is one UI update. Content is always the cumulative text.
type Update struct {
	Content string
	Status  Status
	Err     error
}

func (u Update) Finished() bool { return u.Status == StatusFinished }
func (u Update) Failed() bool   { return u.Status == StatusFailed }

// Buffer turns incremental chunks into a bounded number of cumulative
// updates. It is owned by a single streaming reply and is not safe for
// concurrent use.
type Buffer struct {
	threshold   int
	full        strings.Builder
	runes       int
	lastFlushed int
	status      Status
	err         error
}

func NewBuffer(threshold int) *Buffer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Buffer{threshold: threshold}
}

// Append adds chunk and returns the updates to flush, oldest first. A chunk
// that crosses the threshold several times is split at each crossing, so
// every flush carries exactly threshold+1 new runes.
func (b *Buffer) Append(chunk string) ([]Update, error) {
	if b.status.Terminal() {
		return nil, ErrTerminal
	}
	var out []Update
	for chunk != "" {
		need := b.threshold + 1 - (b.runes - b.lastFlushed)
		n := utf8.RuneCountInString(chunk)
		if n < need {
			b.full.WriteString(chunk)
			b.runes += n
			break
		}
		cut := byteOffset(chunk, need)
		b.full.WriteString(chunk[:cut])
		b.runes += need
		chunk = chunk[cut:]
		b.lastFlushed = b.runes
		out = append(out, Update{Content: b.full.String(), Status: StatusStreaming})
	}
	return out, nil
}

func byteOffset(s string, runes int) int {
	i := 0
	for pos := range s {
		if i == runes {
			return pos
		}
		i++
	}
	return len(s)
}

// Finish ends the stream and returns the terminal update carrying the full
// content, regardless of the threshold.
func (b *Buffer) Finish() (Update, error) {
	if b.status.Terminal() {
		return Update{}, ErrTerminal
	}
	b.status = StatusFinished
	b.lastFlushed = b.runes
	return Update{Content: b.full.String(), Status: StatusFinished}, nil
}

// Fail ends the stream with cause and returns the failed update carrying the
// partial content gathered so far.
func (b *Buffer) Fail(cause error) (Update, error) {
	if b.status.Terminal() {
		return Update{}, ErrTerminal
	}
	if cause == nil {
		cause = errors.New("stream failed")
	}
	b.status = StatusFailed
	b.err = cause
	return Update{Content: b.full.String(), Status: StatusFailed, Err: cause}, nil
}

func (b *Buffer) Content() string { return b.full.String() }
func (b *Buffer) Len() int        { return b.runes }
func (b *Buffer) Status() Status  { return b.status }
func (b *Buffer) Err() error      { return b.err }
