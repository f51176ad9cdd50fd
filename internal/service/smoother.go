package service

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// WordSmoother regroups provider deltas so that only whole words reach the
// client. Text after the last whitespace is held back until more arrives
// or Flush is called.
type WordSmoother struct {
	emit    func(string) error
	pending strings.Builder
}

func NewWordSmoother(emit func(string) error) *WordSmoother {
	return &WordSmoother{emit: emit}
}

// Write buffers delta and emits every completed word.
func (w *WordSmoother) Write(delta string) error {
	w.pending.WriteString(delta)
	buf := w.pending.String()

	cut := strings.LastIndexFunc(buf, unicode.IsSpace)
	if cut < 0 {
		return nil
	}
	// keep the whitespace rune with the emitted chunk
	_, size := utf8.DecodeRuneInString(buf[cut:])
	cut += size

	w.pending.Reset()
	w.pending.WriteString(buf[cut:])
	return w.emit(buf[:cut])
}

// Flush emits whatever is still buffered.
func (w *WordSmoother) Flush() error {
	if w.pending.Len() == 0 {
		return nil
	}
	rest := w.pending.String()
	w.pending.Reset()
	return w.emit(rest)
}
