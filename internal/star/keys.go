package star

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sells-group/starschema-etl/internal/model"
)

// SurrogateKey derives the stable key of one dimension row version. The
// first version hashes the dimension name and natural key parts; later
// versions append "v<n>" as a further part.
func SurrogateKey(dimension string, naturalKey []string, version int) string {
	parts := make([]string, 0, len(naturalKey)+2)
	parts = append(parts, dimension)
	parts = append(parts, naturalKey...)
	if version >= 2 {
		parts = append(parts, "v"+strconv.Itoa(version))
	}
	return hashParts(parts)
}

// FactHash derives the dedup key of a fact from its name, the natural key
// of every dimension it references, and its period identifiers.
func FactHash(fact string, parts ...string) string {
	return hashParts(append([]string{fact}, parts...))
}

func hashParts(parts []string) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(strings.Join(parts, model.KeySeparator))
	return hex.EncodeToString(digest.Sum(nil))
}
