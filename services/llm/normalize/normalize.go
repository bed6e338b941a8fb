// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package normalize extracts plain text from any provider response or stream
// fragment, whatever its shape.
//
// Every value is inspected through its JSON form, so SDK structs, maps and
// raw JSON bytes all go through the same probes. Both entry points are total:
// they never panic and always return a string.
package normalize

import (
	"encoding/json"
	"iter"
	"log/slog"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/AleutianAI/aleutian-chat/services/llm"
)

// texter is implemented by SDK responses that know their own text, such as
// *genai.GenerateContentResponse.
type texter interface {
	Text() string
}

// ExtractComplete returns the answer text of a buffered provider response.
//
// # Description
//
// Shapes are tried in order:
//
//  1. a plain string;
//  2. a "choices" array: the first choice's message.content (a string or a
//     list of parts joined without separator) or its text;
//  3. a top-level "text" field or a Text() method;
//  4. a top-level message.content;
//  5. a fragment stream, drained with ExtractFragment until the first error;
//  6. anything else is rendered as JSON.
//
// nil and values that cannot be rendered yield "".
func ExtractComplete(resp any) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Recovered while extracting response text", "panic", r)
			text = ""
		}
	}()

	switch v := resp.(type) {
	case nil:
		return ""
	case string:
		return v
	case *llm.Completion:
		if v == nil {
			return ""
		}
		if v.IsStream() {
			return drain(v.Stream)
		}
		return ExtractComplete(v.Response)
	case llm.Stream:
		return drain(v)
	case iter.Seq2[any, error]:
		return drain(llm.Stream(v))
	case func(func(any, error) bool):
		return drain(llm.Stream(v))
	}
	if isNilPointer(resp) {
		return ""
	}

	raw, ok := toJSON(resp)
	if !ok {
		if b, isBytes := resp.([]byte); isBytes {
			return string(b)
		}
		return ""
	}
	doc := gjson.ParseBytes(raw)

	if choices := doc.Get("choices"); choices.IsArray() {
		list := choices.Array()
		if len(list) == 0 {
			return ""
		}
		first := list[0]
		if s, ok := contentText(first.Get("message.content")); ok {
			return s
		}
		if t := first.Get("text"); t.Type == gjson.String {
			return t.Str
		}
		return ""
	}
	if t, ok := resp.(texter); ok {
		return t.Text()
	}
	if t := doc.Get("text"); t.Type == gjson.String {
		return t.Str
	}
	if s, ok := contentText(doc.Get("message.content")); ok {
		return s
	}
	if doc.Type == gjson.String {
		return doc.Str
	}
	return string(raw)
}

// ExtractFragment returns the text carried by one stream fragment.
//
// Fragments with a "choices" array contribute each choice's delta.content
// (falling back to message.content, then text), concatenated in order.
// Otherwise Text(), a top-level "text" field, or message.content are used.
// Unknown shapes contribute "".
func ExtractFragment(chunk any) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Recovered while extracting fragment text", "panic", r)
			text = ""
		}
	}()

	switch v := chunk.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	if isNilPointer(chunk) {
		return ""
	}

	raw, ok := toJSON(chunk)
	if !ok {
		if b, isBytes := chunk.([]byte); isBytes {
			return string(b)
		}
		return ""
	}
	doc := gjson.ParseBytes(raw)

	if choices := doc.Get("choices"); choices.IsArray() {
		var b strings.Builder
		for _, c := range choices.Array() {
			if s, ok := contentText(c.Get("delta.content")); ok {
				b.WriteString(s)
				continue
			}
			if s, ok := contentText(c.Get("message.content")); ok {
				b.WriteString(s)
				continue
			}
			if t := c.Get("text"); t.Type == gjson.String {
				b.WriteString(t.Str)
			}
		}
		return b.String()
	}
	if t, ok := chunk.(texter); ok {
		return t.Text()
	}
	if t := doc.Get("text"); t.Type == gjson.String {
		return t.Str
	}
	if s, ok := contentText(doc.Get("message.content")); ok {
		return s
	}
	if doc.Type == gjson.String {
		return doc.Str
	}
	return ""
}

func drain(s llm.Stream) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for frag, err := range s {
		if err != nil {
			slog.Warn("Stream ended with error while draining", "error", err)
			break
		}
		b.WriteString(ExtractFragment(frag))
	}
	return b.String()
}

// contentText reads a content value that is either a string or a list of
// parts. Parts are strings or objects with a "text" field.
func contentText(r gjson.Result) (string, bool) {
	switch {
	case r.Type == gjson.String:
		return r.Str, true
	case r.IsArray():
		var b strings.Builder
		for _, part := range r.Array() {
			if part.Type == gjson.String {
				b.WriteString(part.Str)
				continue
			}
			if t := part.Get("text"); t.Type == gjson.String {
				b.WriteString(t.Str)
			}
		}
		return b.String(), true
	}
	return "", false
}

// toJSON renders v as JSON. Raw bytes are used as-is when they are valid JSON.
func toJSON(v any) ([]byte, bool) {
	switch b := v.(type) {
	case json.RawMessage:
		if gjson.ValidBytes(b) {
			return b, true
		}
		return nil, false
	case []byte:
		if gjson.ValidBytes(b) {
			return b, true
		}
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
