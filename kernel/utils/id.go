package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a random identifier, optionally prefixed ("pipe-1b4e...").
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id[:12]
}
