package tagger

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Options controls a single file transform.
type Options struct {
	// File is the path recorded in data-jsx-file and hashed into ids.
	File string
	// Prefix, when non-empty, is prepended to every generated id.
	Prefix string
}

// IndexIdent is the identifier inserted as the missing second parameter of
// loop callbacks so that loop-generated elements get per-iteration ids.
const IndexIdent = "__jsx_idx__"

// loopMethods are the array iteration methods whose callbacks make nested
// elements loop-generated.
var loopMethods = map[string]bool{
	"map":       true,
	"forEach":   true,
	"filter":    true,
	"find":      true,
	"findIndex": true,
	"some":      true,
	"every":     true,
	"flatMap":   true,
}

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Transform runs the tagging pass over one JSX/TSX source file. It returns
// the rewritten source and the location entries recorded for it. The pass is
// idempotent: elements already carrying data-jsx-id are left alone.
//
// The transformer is a single forward scan over the source, not a full
// parser. It tracks enough syntax (strings, template literals, comments,
// JSX tags, JSX children, embedded expressions) to find opening elements
// and the array-iteration callbacks that enclose them.
func Transform(source string, opts Options) (string, []Entry) {
	t := &transformer{
		src:    source,
		file:   opts.File,
		prefix: opts.Prefix,
		line:   1,
		col:    1,
	}
	t.frames = []*frame{{kind: frameCode}}
	t.run()
	return t.apply(), t.entries
}

type frameKind int

const (
	frameCode frameKind = iota
	frameJSXText
	frameJSXTag
	frameTemplate
)

// loopCtx tracks one enclosing array-iteration callback.
type loopCtx struct {
	openDepth    int    // paren depth of the call's argument list
	index        string // identifier to suffix dynamic ids with
	usable       bool   // false when the callback's second param is destructured
	paramEdits   []edit // edits that insert the missing index parameter
	materialized bool   // paramEdits already emitted
}

// frame is one level of the scanner's mode stack.
type frame struct {
	kind       frameKind
	braceDepth int
	parenDepth int
	loops      []*loopCtx

	// frameJSXTag state
	tagStart  int
	nameEnd   int
	elemName  string
	tagLine   int
	tagCol    int
	hasID     bool
	isElement bool // false for fragments
}

type edit struct {
	pos  int
	text string
}

type transformer struct {
	src    string
	file   string
	prefix string

	i    int
	line int
	col  int

	frames  []*frame
	edits   []edit
	entries []Entry
}

func (t *transformer) run() {
	for t.i < len(t.src) {
		switch t.top().kind {
		case frameCode:
			t.stepCode()
		case frameJSXText:
			t.stepJSXText()
		case frameJSXTag:
			t.stepJSXTag()
		case frameTemplate:
			t.stepTemplate()
		}
	}
}

func (t *transformer) top() *frame { return t.frames[len(t.frames)-1] }

func (t *transformer) push(f *frame) { t.frames = append(t.frames, f) }

func (t *transformer) pop() {
	if len(t.frames) > 1 {
		t.frames = t.frames[:len(t.frames)-1]
	}
}

// advance consumes one byte, keeping the 1-based line/column counters in
// sync with the original source.
func (t *transformer) advance() {
	if t.i < len(t.src) {
		if t.src[t.i] == '\n' {
			t.line++
			t.col = 1
		} else {
			t.col++
		}
		t.i++
	}
}

func (t *transformer) advanceN(n int) {
	for k := 0; k < n && t.i < len(t.src); k++ {
		t.advance()
	}
}

func (t *transformer) at(off int) byte {
	if t.i+off < len(t.src) {
		return t.src[t.i+off]
	}
	return 0
}

func (t *transformer) stepCode() {
	f := t.top()
	c := t.src[t.i]
	switch {
	case c == '/' && t.at(1) == '/':
		for t.i < len(t.src) && t.src[t.i] != '\n' {
			t.advance()
		}
	case c == '/' && t.at(1) == '*':
		t.advanceN(2)
		for t.i < len(t.src) && !(t.src[t.i] == '*' && t.at(1) == '/') {
			t.advance()
		}
		t.advanceN(2)
	case c == '\'' || c == '"':
		t.skipString(c)
	case c == '`':
		t.advance()
		t.push(&frame{kind: frameTemplate})
	case c == '{':
		f.braceDepth++
		t.advance()
	case c == '}':
		if f.braceDepth == 0 && len(t.frames) > 1 {
			t.advance()
			t.pop()
			return
		}
		if f.braceDepth > 0 {
			f.braceDepth--
		}
		t.advance()
	case c == '(':
		f.parenDepth++
		t.advance()
	case c == ')':
		for len(f.loops) > 0 && f.loops[len(f.loops)-1].openDepth == f.parenDepth {
			f.loops = f.loops[:len(f.loops)-1]
		}
		if f.parenDepth > 0 {
			f.parenDepth--
		}
		t.advance()
	case c == '.':
		t.maybeLoopCall()
	case c == '<':
		if !t.tryOpenTag() {
			t.advance()
		}
	case isIdentStart(c):
		for t.i < len(t.src) && isIdentPart(t.src[t.i]) {
			t.advance()
		}
	default:
		t.advance()
	}
}

func (t *transformer) stepJSXText() {
	c := t.src[t.i]
	switch {
	case c == '<' && t.at(1) == '/':
		// Closing tag ends this children region.
		for t.i < len(t.src) && t.src[t.i] != '>' {
			t.advance()
		}
		t.advance()
		t.pop()
	case c == '<':
		if !t.tryOpenTag() {
			t.advance()
		}
	case c == '{':
		t.advance()
		t.push(&frame{kind: frameCode})
	default:
		t.advance()
	}
}

func (t *transformer) stepJSXTag() {
	f := t.top()
	c := t.src[t.i]
	switch {
	case c == '"' || c == '\'':
		t.skipString(c)
	case c == '{':
		t.advance()
		t.push(&frame{kind: frameCode})
	case c == '/' && t.at(1) == '>':
		t.finishTag(f)
		t.advanceN(2)
		t.pop()
	case c == '>':
		t.finishTag(f)
		t.advance()
		t.pop()
		t.push(&frame{kind: frameJSXText})
	case isIdentStart(c):
		start := t.i
		for t.i < len(t.src) && (isIdentPart(t.src[t.i]) || t.src[t.i] == '-') {
			t.advance()
		}
		if t.src[start:t.i] == "data-jsx-id" {
			f.hasID = true
		}
	default:
		t.advance()
	}
}

func (t *transformer) stepTemplate() {
	c := t.src[t.i]
	switch {
	case c == '\\':
		t.advanceN(2)
	case c == '`':
		t.advance()
		t.pop()
	case c == '$' && t.at(1) == '{':
		t.advanceN(2)
		t.push(&frame{kind: frameCode})
	default:
		t.advance()
	}
}

func (t *transformer) skipString(quote byte) {
	t.advance()
	for t.i < len(t.src) {
		switch t.src[t.i] {
		case '\\':
			t.advanceN(2)
		case quote:
			t.advance()
			return
		case '\n':
			// Unterminated string; bail at end of line.
			t.advance()
			return
		default:
			t.advance()
		}
	}
}

// tryOpenTag checks whether the '<' at the current position begins a JSX
// opening tag or fragment and, if so, consumes through the tag name and
// pushes a tag frame. Returns false when the '<' is an ordinary operator.
func (t *transformer) tryOpenTag() bool {
	if t.at(1) == '>' {
		// Fragment: never tagged, but its children are scanned.
		if t.top().kind != frameJSXText && !t.jsxAllowedHere() {
			return false
		}
		t.advanceN(2)
		t.push(&frame{kind: frameJSXText})
		return true
	}
	if !isIdentStart(t.at(1)) {
		return false
	}
	if t.top().kind != frameJSXText && !t.jsxAllowedHere() {
		return false
	}

	// Look ahead for the tag name and the character after it.
	j := t.i + 1
	for j < len(t.src) && (isIdentPart(t.src[j]) || t.src[j] == '.' || t.src[j] == '-' || t.src[j] == ':') {
		j++
	}
	if j >= len(t.src) {
		return false
	}
	switch t.src[j] {
	case ' ', '\t', '\n', '\r', '>', '/':
	default:
		// e.g. "<T,>" in a TSX generic parameter list.
		return false
	}

	name := t.src[t.i+1 : j]
	f := &frame{
		kind:      frameJSXTag,
		tagStart:  t.i,
		elemName:  name,
		tagLine:   t.line,
		tagCol:    t.col,
		isElement: true,
	}
	t.advance() // '<'
	t.advanceN(len(name))
	f.nameEnd = t.i
	t.push(f)
	return true
}

// jsxAllowedHere applies the expression-position heuristic: a JSX element
// can only begin where an expression can, i.e. after an operator, an
// opening bracket, or a keyword like return.
func (t *transformer) jsxAllowedHere() bool {
	k := t.i - 1
	for k >= 0 {
		c := t.src[k]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			k--
			continue
		}
		break
	}
	if k < 0 {
		return true
	}
	switch t.src[k] {
	case '(', ',', '{', '}', '?', ':', ';', '&', '|', '=', '[', '>':
		return true
	}
	if isIdentPart(t.src[k]) {
		end := k + 1
		for k >= 0 && isIdentPart(t.src[k]) {
			k--
		}
		switch t.src[k+1 : end] {
		case "return", "yield", "case", "default", "do", "else", "await", "in", "of", "typeof":
			return true
		}
	}
	return false
}

// finishTag decides whether the just-scanned opening tag gets the four
// data-jsx-* attributes, and records the edit and the source-map entry.
func (t *transformer) finishTag(f *frame) {
	if !f.isElement || f.hasID {
		return
	}
	first := f.elemName[0]
	if first < 'a' || first > 'z' || strings.Contains(f.elemName, ".") {
		// Components and member expressions are skipped.
		return
	}

	baseID := GenerateStableID(t.file, f.tagLine, f.tagCol, t.prefix)
	idAttr := fmt.Sprintf(" data-jsx-id=%q", baseID)

	if ctx := t.enclosingLoop(); ctx != nil && ctx.usable {
		if !ctx.materialized {
			t.edits = append(t.edits, ctx.paramEdits...)
			ctx.materialized = true
		}
		idAttr = fmt.Sprintf(" data-jsx-id={%q + %s}", baseID+"-", ctx.index)
	}

	attrs := idAttr + fmt.Sprintf(
		" data-jsx-file=%q data-jsx-line=\"%d\" data-jsx-col=\"%d\"",
		t.file, f.tagLine, f.tagCol,
	)
	t.edits = append(t.edits, edit{pos: f.nameEnd, text: attrs})
	t.entries = append(t.entries, Entry{
		ID:          baseID,
		File:        t.file,
		Line:        f.tagLine,
		Column:      f.tagCol,
		ElementName: f.elemName,
	})
}

// enclosingLoop returns the innermost loop callback context, searching the
// frame stack from the top.
func (t *transformer) enclosingLoop() *loopCtx {
	for k := len(t.frames) - 1; k >= 0; k-- {
		if loops := t.frames[k].loops; len(loops) > 0 {
			return loops[len(loops)-1]
		}
	}
	return nil
}

// maybeLoopCall is entered at a '.'; when the dot begins a call of one of
// the array iteration methods with an inline callback, it records a loop
// context on the current code frame.
func (t *transformer) maybeLoopCall() {
	j := t.i + 1
	for j < len(t.src) && isIdentPart(t.src[j]) {
		j++
	}
	word := t.src[t.i+1 : j]
	k := skipWS(t.src, j)
	if !loopMethods[word] || k >= len(t.src) || t.src[k] != '(' {
		t.advance() // just the dot
		return
	}

	// Consume through the call's '('.
	for t.i <= k {
		if t.src[t.i] == '(' && t.i == k {
			t.top().parenDepth++
		}
		t.advance()
	}

	ctx := parseCallbackHeader(t.src, t.i)
	if ctx == nil {
		return
	}
	ctx.openDepth = t.top().parenDepth
	f := t.top()
	f.loops = append(f.loops, ctx)
}

// parseCallbackHeader inspects the callback literal starting at pos (just
// after the call's opening paren) and works out which identifier carries the
// iteration index, inserting one when the callback has no second parameter.
// It returns nil when the argument is not an inline callback.
func parseCallbackHeader(src string, pos int) *loopCtx {
	k := skipWS(src, pos)
	if k >= len(src) {
		return nil
	}

	// Optional async prefix.
	if strings.HasPrefix(src[k:], "async") && k+5 < len(src) && !isIdentPart(src[k+5]) {
		k = skipWS(src, k+5)
	}

	switch {
	case src[k] == '(':
		return parseParenParams(src, k)

	case strings.HasPrefix(src[k:], "function") && (k+8 >= len(src) || !isIdentPart(src[k+8])):
		k = skipWS(src, k+8)
		// Optional function name.
		for k < len(src) && isIdentPart(src[k]) {
			k++
		}
		k = skipWS(src, k)
		if k < len(src) && src[k] == '(' {
			return parseParenParams(src, k)
		}
		return nil

	case isIdentStart(src[k]):
		// Bare single-parameter arrow: x => ...
		start := k
		for k < len(src) && isIdentPart(src[k]) {
			k++
		}
		end := k
		k = skipWS(src, k)
		if !strings.HasPrefix(src[k:], "=>") {
			return nil
		}
		return &loopCtx{
			index:  IndexIdent,
			usable: true,
			paramEdits: []edit{
				{pos: start, text: "("},
				{pos: end, text: ", " + IndexIdent + ")"},
			},
		}
	}
	return nil
}

// parseParenParams splits a parenthesised parameter list at top-level commas
// and derives the loop context from the second parameter, if any.
func parseParenParams(src string, open int) *loopCtx {
	depth := 0
	var params []string
	start := open + 1
	k := open
	for k < len(src) {
		c := src[k]
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				params = append(params, src[start:k])
				goto done
			}
		case ',':
			if depth == 1 {
				params = append(params, src[start:k])
				start = k + 1
			}
		case '\'', '"', '`':
			k = skipQuoted(src, k)
			continue
		}
		k++
	}
	return nil

done:
	closePos := k
	trimmed := make([]string, 0, len(params))
	for _, p := range params {
		trimmed = append(trimmed, strings.TrimSpace(p))
	}
	if len(trimmed) == 1 && trimmed[0] == "" {
		trimmed = nil
	}

	switch {
	case len(trimmed) >= 2:
		second := stripTypeAnnotation(trimmed[1])
		if identPattern.MatchString(second) {
			return &loopCtx{index: second, usable: true}
		}
		// Destructured second parameter: fall back to a static id.
		return &loopCtx{usable: false}
	case len(trimmed) == 1 && identPattern.MatchString(stripTypeAnnotation(trimmed[0])):
		return &loopCtx{
			index:      IndexIdent,
			usable:     true,
			paramEdits: []edit{{pos: closePos, text: ", " + IndexIdent}},
		}
	default:
		// No parameters, or a destructured first parameter with nothing to
		// append after: keep the static id.
		return &loopCtx{usable: false}
	}
}

// stripTypeAnnotation removes a TSX ": type" suffix from a parameter.
func stripTypeAnnotation(param string) string {
	if idx := strings.IndexByte(param, ':'); idx >= 0 {
		return strings.TrimSpace(param[:idx])
	}
	return param
}

// skipQuoted returns the index just past a quoted literal starting at k.
func skipQuoted(src string, k int) int {
	quote := src[k]
	k++
	for k < len(src) {
		switch src[k] {
		case '\\':
			k += 2
			continue
		case quote:
			return k + 1
		}
		k++
	}
	return k
}

func skipWS(src string, k int) int {
	for k < len(src) {
		switch src[k] {
		case ' ', '\t', '\n', '\r':
			k++
		default:
			return k
		}
	}
	return k
}

// apply replays the recorded edits over the original source.
func (t *transformer) apply() string {
	if len(t.edits) == 0 {
		return t.src
	}
	sort.SliceStable(t.edits, func(a, b int) bool {
		return t.edits[a].pos < t.edits[b].pos
	})
	var b strings.Builder
	b.Grow(len(t.src) + len(t.edits)*96)
	last := 0
	for _, e := range t.edits {
		b.WriteString(t.src[last:e.pos])
		b.WriteString(e.text)
		last = e.pos
	}
	b.WriteString(t.src[last:])
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
