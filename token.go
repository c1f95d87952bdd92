// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newToken returns a fresh claim token. Tokens combine a time component
// with a random suffix; they only need to be unique across concurrent
// workers so that the conditional claim can tell owners apart.
func newToken() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
}
