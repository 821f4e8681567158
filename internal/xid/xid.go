package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed UUIDv7. Ids created later sort after earlier ones,
// which lot ordering relies on to break receivedDate ties.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
