// Copyright (c) 2026 John Earle
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

package classifier

import (
	"regexp"
	"strings"
)

// Tried in order; the first match wins.
var orderIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)pedido\s*(?:n[º°o.]*\s*)?#?\s*(\d{5,})`),
	regexp.MustCompile(`(?i)order\s*#?\s*(\d{5,})`),
	regexp.MustCompile(`(?i)código\s*:\s*(\w{8,})`),
	regexp.MustCompile(`(?i)rastreamento\s*:\s*(\w{8,})`),
	regexp.MustCompile(`\b(\d{8,12})\b`),
}

// ExtractOrderID finds an order number or tracking code in free text, or
// returns "". Matches are upper-cased.
func ExtractOrderID(text string) string {
	for _, re := range orderIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}
