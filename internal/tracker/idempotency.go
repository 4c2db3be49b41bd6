package tracker

import (
	"fmt"

	"github.com/google/uuid"
)

// keyNamespace scopes idempotency keys to this service. Fixed so keys
// are stable across restarts.
var keyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// IdempotencyKey derives a deterministic key for one logical mirror
// write. The same (localID, operation, generation) triple always maps
// to the same key, so replays of a queued write are idempotent on the
// tracker side while a genuine re-issue (a new generation) is not.
func IdempotencyKey(localID, operation string, generation int) string {
	name := fmt.Sprintf("%s|%s|%d", localID, operation, generation)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}
