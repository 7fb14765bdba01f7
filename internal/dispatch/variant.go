package dispatch

import "hash/fnv"

// AssignVariant deterministically maps a contact to an A/B variant.
// splitPercent is the share of recipients that receive variant A. The hash
// is stable across restarts so re-dispatch after a crash cannot flip a
// recipient's variant.
func AssignVariant(contactID string, splitPercent int) string {
	h := fnv.New32a()
	h.Write([]byte(contactID))
	if int(h.Sum32()%100) < splitPercent {
		return "A"
	}
	return "B"
}
