// Package parser implements the streaming XML-like parser (spec.md
// §4.3): it consumes byte fragments appended from a producer's TCP
// connection and emits a sequence of TraceEntry, ProcessShutdownEvent,
// or StorageConfiguration records.
//
// The parser is restartable across fragment boundaries — a fragment may
// end mid-tag — and resynchronizes at the next well-formed top-level
// element when it encounters malformed input, without terminating the
// connection.
package parser

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	apperrors "github.com/apaku/tracetool/pkg/errors"
	"github.com/apaku/tracetool/pkg/types"
)

// syntheticRoot is prepended to every connection's accumulated bytes so
// the XML decoder sees a well-formed (if never closed) document, per
// spec.md §4.3: "the parser is wrapped so the input looks like a
// document with a synthetic <toplevel_trace_element> root prepended."
const syntheticRoot = "<toplevel_trace_element>"

// Parser holds one producer connection's append-only byte buffer and
// in-progress element state. It is not safe for concurrent use — one
// Parser is owned by exactly one connection's read loop.
type Parser struct {
	logger *logrus.Logger
	buf    []byte

	stack   []string
	text    strings.Builder
	entry   *entryBuilder
	shut    *shutdownBuilder
	cfg     *configBuilder
}

// New creates a Parser for one producer connection.
func New(logger *logrus.Logger) *Parser {
	return &Parser{logger: logger}
}

// entryBuilder accumulates a TraceEntry across nested elements.
type entryBuilder struct {
	e types.TraceEntry

	inFrame         bool
	frame           types.StackFrame
	locationLine    int
	varName         string
	varType         string
	keyEnabled      bool
}

type shutdownBuilder struct {
	s types.ProcessShutdownEvent
}

type configBuilder struct {
	maxSize  int64
	shrinkBy int
}

// Feed appends data to the connection's buffer and drains every
// complete top-level element it can find, invoking emit for each
// resulting record. Partial trailing data remains buffered for the next
// Feed call.
func (p *Parser) Feed(data []byte, emit func(types.Record)) {
	p.buf = append(p.buf, data...)
	p.drain(emit)
}

func (p *Parser) drain(emit func(types.Record)) {
	for len(p.buf) > 0 {
		consumed, resyncAt, ok := p.attempt(emit)
		if ok {
			if consumed == 0 {
				return // nothing more to do until more bytes arrive
			}
			p.buf = p.buf[consumed:]
			continue
		}

		// Malformed input at the top level: resynchronize at the next
		// well-formed top-level element, per spec.md §4.3.
		next := indexNextTag(p.buf, resyncAt)
		if next < 0 {
			// No recognizable restart point yet; wait for more bytes.
			return
		}
		discarded := p.buf[:next]
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"component":       "parser",
				"discarded_bytes": len(discarded),
				"discarded_hash":  xxhash.Sum64(discarded),
			}).Warn(apperrors.ParseError("resync", "malformed element; resynchronizing").Error())
		}
		p.buf = p.buf[next:]
		p.resetElementState()
	}
}

// attempt decodes as many complete top-level elements as possible from
// the start of p.buf. It returns the number of bytes consumed (always
// ending exactly after a complete top-level element's close tag), and
// ok=false if it hit malformed (not merely incomplete) XML, in which
// case resyncFrom is the byte offset after which resynchronization
// should search for the next '<'.
func (p *Parser) attempt(emit func(types.Record)) (consumed int, resyncFrom int, ok bool) {
	// Every call replays the whole buffer from byte 0 through a fresh
	// decoder (Feed never remembers a decoder position across calls), so
	// any element state left over from a prior incomplete attempt at this
	// same buffer must be cleared first. Without this, a fragment that
	// ends right after a complete child element (e.g. "...</type>" with
	// no partial tag following) leaves p.stack holding the still-open
	// parent from that attempt; replaying from offset 0 on the next Feed
	// then pushes a second copy of the parent onto the stack instead of
	// recognizing it as the depth-0 start, and the entry never reaches
	// depth 0 again to be emitted.
	p.resetElementState()

	reader := strings.NewReader(syntheticRoot + string(p.buf))
	dec := xml.NewDecoder(reader)

	lastGood := int64(0)
	for {
		tok, err := dec.Token()
		if err != nil {
			if isIncomplete(err) {
				return int(lastGood), 0, true
			}
			return 0, int(lastGood), false
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if p.handleStart(t, dec) {
				off := dec.InputOffset() - int64(len(syntheticRoot))
				if off > lastGood {
					lastGood = off
				}
			}
		case xml.CharData:
			p.text.Write(t)
		case xml.EndElement:
			if p.handleEnd(t.Name.Local, emit) {
				off := dec.InputOffset() - int64(len(syntheticRoot))
				if off > lastGood {
					lastGood = off
				}
			}
		}
	}
}

// isIncomplete reports whether err indicates the buffer merely ends
// mid-element (wait for more bytes) rather than containing malformed
// XML (resynchronize). encoding/xml surfaces both "clean" io.EOF at a
// token boundary and unexpected-EOF syntax errors while scanning an
// unterminated tag/attribute/text run; both mean "not enough bytes yet"
// for our purposes, so any EOF-flavored error is treated as incomplete.
func isIncomplete(err error) bool {
	return err == io.EOF || strings.Contains(err.Error(), "EOF")
}

// indexNextTag returns the offset of the next '<' in buf strictly after
// from, or -1 if none is present yet.
func indexNextTag(buf []byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= len(buf) {
		from = len(buf) - 1
	}
	for i := from + 1; i < len(buf); i++ {
		if buf[i] == '<' {
			return i
		}
	}
	return -1
}

func (p *Parser) resetElementState() {
	p.stack = nil
	p.text.Reset()
	p.entry = nil
	p.shut = nil
	p.cfg = nil
}

func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func atobool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

// handleStart processes one StartElement and returns true exactly when
// it fully consumed a top-level element on its own (the unknown-element
// skip path), so the caller can advance its "last good" offset even
// though no matching EndElement token passes through the main loop.
func (p *Parser) handleStart(start xml.StartElement, dec *xml.Decoder) bool {
	name := start.Name.Local
	p.text.Reset()

	depth := len(p.stack)

	if name == "toplevel_trace_element" {
		return false
	}

	if depth == 0 {
		switch name {
		case "traceentry":
			p.entry = &entryBuilder{}
			p.entry.e.ProcessID = atoi64(attr(start, "pid"))
			p.entry.e.ProcessStartTime = atoi64(attr(start, "process_starttime"))
			p.entry.e.ThreadID = atoi64(attr(start, "tid"))
			p.entry.e.Timestamp = atoi64(attr(start, "time"))
			p.stack = append(p.stack, name)
			return false
		case "shutdownevent":
			p.shut = &shutdownBuilder{}
			p.shut.s.ProcessID = atoi64(attr(start, "pid"))
			p.shut.s.StartTime = atoi64(attr(start, "starttime"))
			p.shut.s.StopTime = atoi64(attr(start, "endtime"))
			p.stack = append(p.stack, name)
			return false
		case "storageconfiguration":
			p.cfg = &configBuilder{}
			if ms := attr(start, "maxSize"); ms != "" {
				p.cfg.maxSize = atoi64(ms)
			} else {
				p.cfg.maxSize = types.UnlimitedStorage
			}
			p.cfg.shrinkBy = atoi(attr(start, "shrinkBy"))
			p.stack = append(p.stack, name)
			return false
		default:
			// Unknown top-level element: ignored silently to permit
			// forward-compatible extension (spec.md §4.3). Skip its
			// subtree so depth accounting stays correct; Skip consumes
			// the matching EndElement internally, so it never reaches
			// the main token loop and we report completion here instead.
			_ = dec.Skip()
			return true
		}
	}

	// Nested element: dispatch on which top-level record we're inside.
	switch {
	case p.entry != nil:
		p.handleEntryChildStart(name, start)
	}
	p.stack = append(p.stack, name)
	return false
}

func (p *Parser) handleEntryChildStart(name string, start xml.StartElement) {
	b := p.entry
	switch name {
	case "frame":
		b.inFrame = true
		b.frame = types.StackFrame{}
	case "variable":
		b.varName = attr(start, "name")
		b.varType = attr(start, "type")
	case "location":
		b.locationLine = atoi(attr(start, "lineno"))
	case "function":
		if b.inFrame {
			b.frame.FunctionOffset = attr(start, "offset")
		}
	case "key":
		b.keyEnabled = atobool(attr(start, "enabled"))
	}
}

// handleEnd applies the closed element's accumulated text, and, for a
// closed top-level element, emits the finished record via emit. It
// returns true exactly when a top-level element was closed (so the
// caller can advance its "last good" consumption offset).
func (p *Parser) handleEnd(name string, emit func(types.Record)) bool {
	text := strings.TrimSpace(p.text.String())
	p.text.Reset()

	if name == "toplevel_trace_element" {
		return false
	}

	if len(p.stack) == 0 {
		return false
	}
	// Pop the stack entry this end tag closes.
	p.stack = p.stack[:len(p.stack)-1]
	depth := len(p.stack)

	switch {
	case p.entry != nil:
		p.applyEntryChildEnd(name, text)
		if depth == 0 && name == "traceentry" {
			emit(types.Record{Entry: &p.entry.e})
			p.entry = nil
			return true
		}
	case p.shut != nil:
		if depth == 0 && name == "shutdownevent" {
			p.shut.s.Name = text
			emit(types.Record{Shutdown: &p.shut.s})
			p.shut = nil
			return true
		}
	case p.cfg != nil:
		if depth == 0 && name == "storageconfiguration" {
			cfg := types.StorageConfiguration{
				MaxSize:    p.cfg.maxSize,
				ShrinkBy:   p.cfg.shrinkBy,
				ArchiveDir: text,
			}.Clamped()
			emit(types.Record{Config: &cfg})
			p.cfg = nil
			return true
		}
	}
	return false
}

func (p *Parser) applyEntryChildEnd(name, text string) {
	b := p.entry
	switch name {
	case "processname":
		b.e.ProcessName = text
	case "stackposition":
		b.e.StackPosition = atoi64(text)
	case "type":
		b.e.Type = types.EntryType(atoi(text))
	case "group":
		b.e.Group = text
	case "message":
		b.e.Message = text
	case "function":
		if b.inFrame {
			b.frame.Function = text
		} else {
			b.e.Function = text
		}
	case "location":
		if b.inFrame {
			b.frame.SourceFile = text
			b.frame.LineNumber = b.locationLine
		} else {
			b.e.Path = text
			b.e.Line = b.locationLine
		}
	case "module":
		if b.inFrame {
			b.frame.Module = text
		}
	case "variable":
		b.e.Variables = append(b.e.Variables, types.Variable{
			Name:  b.varName,
			Type:  types.ParseVariableType(b.varType),
			Value: text,
		})
	case "frame":
		b.e.Backtrace = append(b.e.Backtrace, b.frame)
		b.inFrame = false
	case "key":
		b.e.Keys = append(b.e.Keys, types.TraceKey{Name: text, Enabled: b.keyEnabled})
	}
}
