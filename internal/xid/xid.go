package xid

import (
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Receipt returns a short uppercase reference printed on receipts.
func Receipt() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "RCPT-" + strings.ToUpper(raw[:12])
}
