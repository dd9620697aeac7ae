package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed identifier such as "ord-6fa1c2…". The prefix
// keeps ids greppable across logs and ledger tables.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id
}
