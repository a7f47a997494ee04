package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Fingerprint derives the stable identity of a calculation request. Inputs
// are canonicalized first — ticker uppercased, client trimmed, the decimal
// rendered without trailing zeros — so JSON key order or whitespace in the
// original request cannot produce distinct keys for identical requests.
func Fingerprint(clientID, ticker string, positionValue decimal.Decimal, loanDays int) string {
	canonical := strings.Join([]string{
		strings.TrimSpace(clientID),
		strings.ToUpper(strings.TrimSpace(ticker)),
		positionValue.String(),
		strconv.Itoa(loanDays),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
