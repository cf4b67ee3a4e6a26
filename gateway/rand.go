// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import "crypto/rand"

// randText returns a collision-resistant random token, used for request ids.
func randText() string {
	return rand.Text()
}
