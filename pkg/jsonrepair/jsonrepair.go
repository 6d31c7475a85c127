// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrepair completes truncated JSON prefixes.
//
// Language models stream structured output token by token, which means a
// consumer that wants to act on partial output is almost always holding an
// incomplete JSON text. Close produces the most permissive syntactically
// valid completion of such a prefix by closing open strings and brackets,
// allowing speculative parsing while the stream is still in flight.
//
// Thread Safety: all functions are pure and safe for concurrent use.
package jsonrepair

import "strings"

// openString is the stack marker for an unterminated string literal.
const openString = '"'

// Close returns a syntactically valid completion of a JSON prefix.
//
// Description:
//
//	Scans the input left to right maintaining a stack of open constructs
//	('{', '[', and an open-string marker toggled on unescaped quotes).
//	Unmatched closing brackets are dropped rather than passed through. A
//	dangling comma at end of input is dropped. At end of input all open
//	constructs are closed in LIFO order, string first if one is open.
//
//	Close is idempotent: for already-valid JSON it returns the input
//	unchanged, and Close(Close(s)) == Close(s) for all s. It never panics.
//
// Inputs:
//
//	input - Arbitrary prefix of a JSON text. May be empty.
//
// Outputs:
//
//	string - A valid JSON text whenever input was a prefix of one.
func Close(input string) string {
	var stack []byte
	inString := false
	escaped := false

	var out strings.Builder
	out.Grow(len(input) + 4)

	for i := 0; i < len(input); i++ {
		c := input[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
				stack = stack[:len(stack)-1]
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			stack = append(stack, openString)
			out.WriteByte(c)
		case '{', '[':
			stack = append(stack, c)
			out.WriteByte(c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
				out.WriteByte(c)
			}
			// Unmatched closer: drop it.
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
				out.WriteByte(c)
			}
		default:
			out.WriteByte(c)
		}
	}

	result := out.String()

	// A string cut off mid-escape cannot be closed as-is: the synthesized
	// quote would itself be escaped. Drop the dangling backslash.
	if inString && escaped {
		result = result[:len(result)-1]
	}

	// A trailing comma before the synthesized closers would be invalid.
	if !inString {
		trimmed := strings.TrimRight(result, " \t\r\n")
		if strings.HasSuffix(trimmed, ",") {
			result = strings.TrimSuffix(trimmed, ",")
		}
	}

	// Close remaining constructs innermost first.
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case openString:
			result += `"`
		case '{':
			result += "}"
		case '[':
			result += "]"
		}
	}

	return result
}
