// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

// sanitizeControlChars replaces every ASCII control character in
// {0x01..0x1F, 0x7F} except LF (0x0A) and CR (0x0D) with a space. NUL
// (0x00) and UTF-8 continuation/lead bytes (>= 0x80, other than 0x7F)
// pass through untouched. The result is returned in a fresh slice; the
// input is not mutated. Applying it twice is a no-op: the substitute
// byte, 0x20, is never itself in the removal set.
func sanitizeControlChars(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c == 0x7F || (c >= 0x01 && c <= 0x1F && c != 0x0A && c != 0x0D) {
			out[i] = ' '
		} else {
			out[i] = c
		}
	}
	return out
}
