package alerts

import "regexp"

var (
	// long hex runs are keys, signatures or raw payloads
	longHexRe = regexp.MustCompile(`0x[0-9a-fA-F]{41,}|\b[0-9a-fA-F]{64,}\b`)
	addressRe = regexp.MustCompile(`0x[0-9a-fA-F]{40}\b`)
)

// MaskAddress keeps the first 6 and last 4 characters of an address
func MaskAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// MarketFragment shortens a market or order id to its first 10 characters
func MarketFragment(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}

// SanitizeText removes key material and masks addresses in free text.
// A private key and a condition id look alike, so every 64-hex run is dropped.
func SanitizeText(s string) string {
	s = longHexRe.ReplaceAllString(s, "[redacted]")
	return addressRe.ReplaceAllStringFunc(s, MaskAddress)
}

// SanitizeError is SanitizeText over err.Error()
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}
