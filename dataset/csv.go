// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"bufio"
	"strings"
)

// ReadLines parses the fields of every record of a csv stream. Quoted fields
// may contain separators, escaped quotes and line breaks. Field bytes are kept
// as read, so sep must be a single byte. Parsing stops when handler returns
// false.
func ReadLines(sc *bufio.Scanner, sep byte, handler func(int, []string) bool) error {
	lineCount := 0               // line number of current position
	fields := make([]string, 0)  // fields for current line
	builder := strings.Builder{} // string builder for current field
	quoted := false              // whether current position in quote
	for sc.Scan() {
		line := sc.Bytes()
		// a quoted field continues on this line
		if quoted {
			builder.WriteString("\n")
		}
		for i := 0; i < len(line); i++ {
			if line[i] == sep && !quoted {
				// end of field
				fields = append(fields, builder.String())
				builder.Reset()
			} else if line[i] == '"' {
				if quoted {
					if i+1 >= len(line) || line[i+1] != '"' {
						// end of quoted
						quoted = false
					} else {
						i++
						builder.WriteByte('"')
					}
				} else {
					// start of quoted
					quoted = true
				}
			} else if line[i] == '\r' && i == len(line)-1 && !quoted {
				// CRLF line ending
			} else {
				builder.WriteByte(line[i])
			}
		}
		// end of line
		if !quoted {
			fields = append(fields, builder.String())
			builder.Reset()
			if !handler(lineCount, fields) {
				return nil
			}
			fields = []string{}
		}
		lineCount++
	}
	return sc.Err()
}
