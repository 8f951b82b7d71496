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

package orchestrator

import (
	"fmt"

	"github.com/bcem/autoresponder/internal/models"
)

// GatePolicy decides whether a classified email is worth a generation call.
type GatePolicy string

const (
	// GateRequireProduct generates only when a product was identified and
	// the email is a support or tracking request.
	GateRequireProduct GatePolicy = "require_product"

	// GateSupportOrTracking ignores the product and generates for any
	// support or tracking request.
	GateSupportOrTracking GatePolicy = "support_or_tracking"
)

// ParseGatePolicy maps a config value to a policy. Empty selects
// GateRequireProduct.
func ParseGatePolicy(s string) (GatePolicy, error) {
	switch GatePolicy(s) {
	case "", GateRequireProduct:
		return GateRequireProduct, nil
	case GateSupportOrTracking:
		return GateSupportOrTracking, nil
	}
	return "", fmt.Errorf("unknown generation gate policy %q", s)
}

// Allows reports whether c passes the gate. When it does not, note explains
// why for the reviewer.
func (p GatePolicy) Allows(c models.Classification) (ok bool, note string) {
	relevant := c.IsSupport || c.IsTracking
	if !relevant {
		return false, "not a support or tracking request; no response generated"
	}
	if p == GateSupportOrTracking {
		return true, ""
	}
	if c.ProductName == "" {
		return false, "no product identified; no response generated"
	}
	return true, ""
}
