package parser_test

import (
	"testing"

	"github.com/apaku/tracetool/internal/parser"
	"github.com/apaku/tracetool/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// TestParsesSingleTraceEntry covers end-to-end scenario 1 from spec.md
// §8: a single, complete traceentry element with nested variable,
// frame, and key children.
func TestParsesSingleTraceEntry(t *testing.T) {
	p := parser.New(newTestLogger())

	xmlInput := `<traceentry pid="100" process_starttime="1000" tid="7" time="2000">
		<type>1</type>
		<location lineno="42">/a/b.cpp</location>
		<function>doWork</function>
		<processname>worker</processname>
		<group>networking</group>
		<message>connection reset</message>
		<stackposition>3</stackposition>
		<variable name="retries" type="number">5</variable>
		<frame>
			<module>libworker.so</module>
			<function offset="0x10">doWork</function>
			<location lineno="42">/a/b.cpp</location>
		</frame>
		<key enabled="true">networking</key>
	</traceentry>`

	var got []types.Record
	p.Feed([]byte(xmlInput), func(r types.Record) { got = append(got, r) })

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Entry)
	e := got[0].Entry

	require.Equal(t, int64(100), e.ProcessID)
	require.Equal(t, int64(1000), e.ProcessStartTime)
	require.Equal(t, int64(7), e.ThreadID)
	require.Equal(t, int64(2000), e.Timestamp)
	require.Equal(t, types.EntryError, e.Type)
	require.Equal(t, "/a/b.cpp", e.Path)
	require.Equal(t, 42, e.Line)
	require.Equal(t, "doWork", e.Function)
	require.Equal(t, "worker", e.ProcessName)
	require.Equal(t, "networking", e.Group)
	require.Equal(t, "connection reset", e.Message)
	require.Equal(t, int64(3), e.StackPosition)

	require.Len(t, e.Variables, 1)
	require.Equal(t, "retries", e.Variables[0].Name)
	require.Equal(t, types.VarNumber, e.Variables[0].Type)
	require.Equal(t, "5", e.Variables[0].Value)

	require.Len(t, e.Backtrace, 1)
	require.Equal(t, "libworker.so", e.Backtrace[0].Module)
	require.Equal(t, "doWork", e.Backtrace[0].Function)
	require.Equal(t, "0x10", e.Backtrace[0].FunctionOffset)
	require.Equal(t, "/a/b.cpp", e.Backtrace[0].SourceFile)
	require.Equal(t, 42, e.Backtrace[0].LineNumber)

	require.Len(t, e.Keys, 1)
	require.Equal(t, "networking", e.Keys[0].Name)
	require.True(t, e.Keys[0].Enabled)
}

// TestFragmentedAcrossFeeds covers the restartable-across-fragment-
// boundaries requirement: the same element split at an arbitrary byte
// offset, including mid-tag, must still parse and emit exactly once.
func TestFragmentedAcrossFeeds(t *testing.T) {
	p := parser.New(newTestLogger())
	full := `<traceentry pid="1" process_starttime="10" tid="1" time="20"><type>0</type><message>hello</message></traceentry>`

	var got []types.Record
	emit := func(r types.Record) { got = append(got, r) }

	cut := len(full) / 2
	p.Feed([]byte(full[:cut]), emit)
	require.Empty(t, got, "no record should be emitted from a partial fragment")

	p.Feed([]byte(full[cut:]), emit)
	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Entry.Message)
}

// TestFragmentedBetweenChildElements covers a fragment boundary that
// falls exactly after a complete child element's close tag (not
// mid-tag): the parser must not drop the entry or wedge the connection
// on the next Feed call.
func TestFragmentedBetweenChildElements(t *testing.T) {
	p := parser.New(newTestLogger())
	first := `<traceentry pid="1" process_starttime="10" tid="1" time="20"><type>0</type>`
	second := `<message>hello</message></traceentry>`

	var got []types.Record
	emit := func(r types.Record) { got = append(got, r) }

	p.Feed([]byte(first), emit)
	require.Empty(t, got, "no record should be emitted from a partial fragment")

	p.Feed([]byte(second), emit)
	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Entry.Message)
	require.Equal(t, types.EntryType(0), got[0].Entry.Type)

	// The parser must still be usable for a second, independent entry
	// after recovering from the split above.
	third := `<traceentry pid="2" process_starttime="11" tid="1" time="21"><message>world</message></traceentry>`
	p.Feed([]byte(third), emit)
	require.Len(t, got, 2)
	require.Equal(t, "world", got[1].Entry.Message)
}

// TestMultipleRecordsInOneFragment covers a single Feed call carrying
// more than one complete top-level element back to back.
func TestMultipleRecordsInOneFragment(t *testing.T) {
	p := parser.New(newTestLogger())
	xmlInput := `<traceentry pid="1" process_starttime="10" tid="1" time="20"><type>0</type><message>first</message></traceentry>` +
		`<shutdownevent pid="1" starttime="10" endtime="99">worker</shutdownevent>` +
		`<storageconfiguration maxSize="1048576" shrinkBy="20">/var/archive</storageconfiguration>`

	var got []types.Record
	p.Feed([]byte(xmlInput), func(r types.Record) { got = append(got, r) })

	require.Len(t, got, 3)
	require.NotNil(t, got[0].Entry)
	require.Equal(t, "first", got[0].Entry.Message)

	require.NotNil(t, got[1].Shutdown)
	require.Equal(t, "worker", got[1].Shutdown.Name)
	require.Equal(t, int64(99), got[1].Shutdown.StopTime)

	require.NotNil(t, got[2].Config)
	require.Equal(t, int64(1048576), got[2].Config.MaxSize)
	require.Equal(t, 20, got[2].Config.ShrinkBy)
	require.Equal(t, "/var/archive", got[2].Config.ArchiveDir)
}

// TestUnknownTopLevelElementIgnored covers forward-compatible tolerance
// of an element type the parser doesn't recognize.
func TestUnknownTopLevelElementIgnored(t *testing.T) {
	p := parser.New(newTestLogger())
	xmlInput := `<futureevent foo="bar"><nested>x</nested></futureevent>` +
		`<traceentry pid="1" process_starttime="10" tid="1" time="20"><message>ok</message></traceentry>`

	var got []types.Record
	p.Feed([]byte(xmlInput), func(r types.Record) { got = append(got, r) })

	require.Len(t, got, 1)
	require.Equal(t, "ok", got[0].Entry.Message)
}

// TestResyncAfterMalformedInput covers spec.md §4.3's requirement that
// malformed input resynchronizes at the next well-formed top-level
// element rather than stalling the connection forever.
func TestResyncAfterMalformedInput(t *testing.T) {
	p := parser.New(newTestLogger())
	xmlInput := `<traceentry pid="1" </garbage>` +
		`<traceentry pid="2" process_starttime="10" tid="1" time="20"><message>recovered</message></traceentry>`

	var got []types.Record
	p.Feed([]byte(xmlInput), func(r types.Record) { got = append(got, r) })

	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].Entry.ProcessID)
	require.Equal(t, "recovered", got[0].Entry.Message)
}

// TestFunctionDisambiguationByEnclosingElement covers the Open Question
// resolution: a <function> inside a <frame> fills the frame's function,
// never the entry's top-level one, regardless of sibling order.
func TestFunctionDisambiguationByEnclosingElement(t *testing.T) {
	p := parser.New(newTestLogger())
	xmlInput := `<traceentry pid="1" process_starttime="10" tid="1" time="20">
		<frame><function offset="0x1">inner</function></frame>
		<function>outer</function>
	</traceentry>`

	var got []types.Record
	p.Feed([]byte(xmlInput), func(r types.Record) { got = append(got, r) })

	require.Len(t, got, 1)
	e := got[0].Entry
	require.Equal(t, "outer", e.Function)
	require.Len(t, e.Backtrace, 1)
	require.Equal(t, "inner", e.Backtrace[0].Function)
}
