package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/parser"
)

// Fingerprint derives the at-most-once key for a draft:
// SHA-256(fileHash, customerID, sortedLineItemsHash, dateBucket) with the
// date bucket in UTC days. Line ordering in the input does not affect it.
func Fingerprint(fileSHA256, customerID string, items []contracts.LineItem, receivedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(fileSHA256))
	h.Write([]byte{0})
	h.Write([]byte(customerID))
	h.Write([]byte{0})
	h.Write([]byte(sortedLineItemsHash(items)))
	h.Write([]byte{0})
	h.Write([]byte(DateBucket(receivedAt)))
	return hex.EncodeToString(h.Sum(nil))
}

// DateBucket is the UTC day partition of the fingerprint.
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// sortedLineItemsHash hashes the sorted normalized line identities, so two
// workbooks listing the same lines in different orders fingerprint alike.
func sortedLineItemsHash(items []contracts.LineItem) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		var qty float64
		if item.Quantity != nil {
			qty = *item.Quantity
		}
		lines = append(lines, strings.Join([]string{
			parser.NormalizeSKU(item.SKU),
			parser.NormalizeGTIN(item.GTIN),
			strconv.FormatFloat(qty, 'f', 2, 64),
		}, "|"))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
