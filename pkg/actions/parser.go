// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package actions extracts structured tool invocations from free-form
// LLM text. Tool invocations are tagged fragments of the form
// <KIND>PAYLOAD</KIND> where KIND is one of a closed vocabulary and
// PAYLOAD is opaque free text. Unknown tags are narration.
package actions

import (
	"fmt"
	"strings"
)

// ActionTag is a structured invocation extracted from LLM text.
type ActionTag struct {
	// Kind of the invocation.
	Kind Kind

	// Payload is the raw text between the tags, preserved verbatim.
	Payload string

	// Offset is the byte position of the opening '<' in the source
	// text, used for document ordering.
	Offset int
}

// Segment is one span of the parsed text: either plain narration or a
// complete action tag. Concatenating all segments (tags rendered with
// their delimiters) reproduces the input exactly.
type Segment struct {
	// Text is the verbatim plain-text span. Empty when Tag is set.
	Text string

	// Tag is the parsed action tag. Nil for plain-text segments.
	Tag *ActionTag
}

// String renders the segment back to its source form.
func (s Segment) String() string {
	if s.Tag != nil {
		return fmt.Sprintf("<%s>%s</%s>", s.Tag.Kind, s.Tag.Payload, s.Tag.Kind)
	}
	return s.Text
}

// SyntaxError reports a malformed tag encountered during parsing. The
// parser recovers and continues; the offending span is returned as
// plain text.
type SyntaxError struct {
	Kind   Kind
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("action tag <%s> at offset %d: %s", e.Kind, e.Offset, e.Reason)
}

// Result holds the ordered segments plus any recoverable syntax errors.
type Result struct {
	Segments []Segment
	Errors   []*SyntaxError
}

// Tags returns the action tags in document order.
func (r *Result) Tags() []*ActionTag {
	var tags []*ActionTag
	for _, seg := range r.Segments {
		if seg.Tag != nil {
			tags = append(tags, seg.Tag)
		}
	}
	return tags
}

// Reassemble reproduces the input text from the segments.
func (r *Result) Reassemble() string {
	var b strings.Builder
	for _, seg := range r.Segments {
		b.WriteString(seg.String())
	}
	return b.String()
}

// Parse scans text left to right and splits it into plain-text segments
// and action tags. Parsing is deterministic: identical input yields
// identical output.
//
// A same-kind open tag inside a payload increases nesting depth, so a
// close tag only terminates the invocation when it balances the opening
// tag. Unclosed known tags are reported as syntax errors and their open
// delimiter is kept as plain text.
func Parse(text string) *Result {
	res := &Result{}
	if text == "" {
		return res
	}

	var plain strings.Builder
	i := 0

	flushPlain := func() {
		if plain.Len() > 0 {
			res.Segments = append(res.Segments, Segment{Text: plain.String()})
			plain.Reset()
		}
	}

	for i < len(text) {
		if text[i] != '<' {
			// Fast-forward to the next '<'.
			next := strings.IndexByte(text[i:], '<')
			if next < 0 {
				plain.WriteString(text[i:])
				i = len(text)
				break
			}
			plain.WriteString(text[i : i+next])
			i += next
			continue
		}

		kind, openEnd, ok := matchOpenTag(text, i)
		if !ok {
			plain.WriteByte('<')
			i++
			continue
		}

		payload, closeStart, found := findClose(text, openEnd, kind)
		if !found {
			res.Errors = append(res.Errors, &SyntaxError{
				Kind:   kind,
				Offset: i,
				Reason: "missing close tag",
			})
			// Recover: the open tag itself becomes plain text and
			// scanning resumes right after it.
			plain.WriteString(text[i:openEnd])
			i = openEnd
			continue
		}

		flushPlain()
		res.Segments = append(res.Segments, Segment{Tag: &ActionTag{
			Kind:    kind,
			Payload: payload,
			Offset:  i,
		}})
		i = closeStart + len(kind) + 3 // len("</") + kind + len(">")
	}

	flushPlain()
	return res
}

// matchOpenTag checks whether text[pos:] begins with "<kind>" for a
// known kind. It returns the kind and the index just past the '>'.
func matchOpenTag(text string, pos int) (Kind, int, bool) {
	// pos points at '<'. Find the closing '>' of the candidate name.
	end := pos + 1
	for end < len(text) {
		c := text[end]
		if c == '>' {
			break
		}
		// Tag names are lowercase identifiers; anything else means
		// this '<' is narration (inline code, comparison, HTML).
		if !isNameChar(c) {
			return "", 0, false
		}
		end++
	}
	if end >= len(text) || end == pos+1 {
		return "", 0, false
	}

	kind := Kind(text[pos+1 : end])
	if !Known(kind) {
		return "", 0, false
	}
	return kind, end + 1, true
}

// findClose locates the matching "</kind>" starting at start, tracking
// same-kind nesting so a close tag inside a nested payload does not
// terminate the outer tag. Returns the payload and the index of the
// matching close tag's '<'.
func findClose(text string, start int, kind Kind) (string, int, bool) {
	open := "<" + string(kind) + ">"
	closing := "</" + string(kind) + ">"

	depth := 1
	i := start
	for i < len(text) {
		next := strings.IndexByte(text[i:], '<')
		if next < 0 {
			break
		}
		i += next

		if strings.HasPrefix(text[i:], closing) {
			depth--
			if depth == 0 {
				return text[start:i], i, true
			}
			i += len(closing)
			continue
		}
		if strings.HasPrefix(text[i:], open) {
			depth++
			i += len(open)
			continue
		}
		i++
	}
	return "", 0, false
}

func isNameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || c == '_' || (c >= '0' && c <= '9')
}
