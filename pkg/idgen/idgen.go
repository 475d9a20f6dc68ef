package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes namespace identifiers by record kind.
const (
	PrefixSettlement        = "settle"
	PrefixStageDetail       = "std"
	PrefixCommentSettlement = "cst"
	PrefixTransaction       = "txn"
	PrefixTask              = "task"
)

// New returns a collision resistant identifier namespaced by prefix.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// HasPrefix reports whether id was generated for the given record kind.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
