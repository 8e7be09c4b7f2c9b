// Package vendorproto declares the wire-level shapes of the vendor
// streaming protocol: exchange segment codes and the JSON envelopes
// used to authenticate, subscribe, and request data over the
// streaming connection. Nothing here touches the network; it is pure
// data plus the exchange-detection rule from spec.md §3.
package vendorproto

import "strings"

// ExchangeSegment is the single-byte wire code identifying a venue and
// market segment, per spec.md §3.
type ExchangeSegment byte

const (
	SegmentNSECash  ExchangeSegment = 1
	SegmentNSEFO    ExchangeSegment = 2
	SegmentBSECash  ExchangeSegment = 3
	SegmentBSEFO    ExchangeSegment = 4
	SegmentMCX      ExchangeSegment = 5
	SegmentNCDEX    ExchangeSegment = 7
	SegmentCurrency ExchangeSegment = 13
)

var segmentNames = map[ExchangeSegment]string{
	SegmentNSECash:  "NSE",
	SegmentNSEFO:    "NFO",
	SegmentBSECash:  "BSE",
	SegmentBSEFO:    "BFO",
	SegmentMCX:      "MCX",
	SegmentNCDEX:    "NCDEX",
	SegmentCurrency: "CDS",
}

// String returns the venue name for an exchange segment code.
func (s ExchangeSegment) String() string {
	if name, ok := segmentNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Divisor returns the integer divisor applied to raw int32 price
// fields for this segment: 10,000,000 for currency derivatives, 100
// for every other segment (spec.md §4.1, §8 boundary behavior).
func (s ExchangeSegment) Divisor() float64 {
	if s == SegmentCurrency {
		return 10000000
	}
	return 100
}

// optionSuffixes are trading-symbol suffixes that only occur on
// derivative contracts; a symbol ending in one of these is routed to
// NSE F&O by Detect.
var optionSuffixes = []string{"CE", "PE", "FUT"}

// Detect maps a free-form exchange string (or a bare trading symbol,
// per spec.md §8's detect_exchange example) to a segment code,
// defaulting unknown input to NSE cash.
func Detect(exchange string) ExchangeSegment {
	switch strings.ToUpper(strings.TrimSpace(exchange)) {
	case "NSE":
		return SegmentNSECash
	case "NFO", "NSE_FNO", "NSEFO":
		return SegmentNSEFO
	case "BSE":
		return SegmentBSECash
	case "BFO", "BSE_FNO", "BSEFO":
		return SegmentBSEFO
	case "MCX", "MCX_COMM":
		return SegmentMCX
	case "NCDEX":
		return SegmentNCDEX
	case "CDS", "CURRENCY", "NSE_CURRENCY":
		return SegmentCurrency
	}

	upper := strings.ToUpper(exchange)
	for _, suffix := range optionSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return SegmentNSEFO
		}
	}

	return SegmentNSECash
}
