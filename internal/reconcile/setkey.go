package reconcile

import (
	"slices"
	"strings"
)

// SetKey joins the sorted, de-duplicated ids with "|".
func SetKey(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, "|")
}
