package orders

import (
	"fmt"
	"strings"
	"time"
)

// DefaultShortCode derives a retailer's short code from its code: "IT-G-01" -> "G01".
func DefaultShortCode(retailerCode string) string {
	s := strings.ReplaceAll(retailerCode, "IT-", "")
	return strings.ReplaceAll(s, "-", "")
}

// Reference is the idempotent external id of one order line, e.g.
// 20250301-ORDER-12-40-G01. It only depends on stored values, so every
// dispatch attempt of the line sends the same reference.
func Reference(orderCreated time.Time, orderID, lineID uint, short string) string {
	return fmt.Sprintf("%s-ORDER-%d-%d-%s", orderCreated.Format("20060102"), orderID, lineID, short)
}
