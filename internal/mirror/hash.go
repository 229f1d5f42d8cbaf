package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ContentHash returns a stable hash of the item's remote content. UpdatedAt,
// Source and ContentHash itself are excluded; text is NFC-normalized and
// labels are compared as a set.
func ContentHash(item *Item) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}

	write(string(item.Kind))
	write(norm.NFC.String(item.ProviderItemID))
	write(norm.NFC.String(item.ThreadID))
	write(norm.NFC.String(item.Subject))
	write(norm.NFC.String(item.From))
	write(norm.NFC.String(item.Snippet))
	write(strings.Join(NormalizeLabels(item.Labels), "\x00"))
	if item.ReceivedAt.IsZero() {
		write("")
	} else {
		write(item.ReceivedAt.UTC().Format(time.RFC3339))
	}
	write(strconv.FormatBool(item.Deleted))

	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeLabels returns the labels NFC-normalized, sorted and without
// duplicates or empty entries.
func NormalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = norm.NFC.String(l); l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
