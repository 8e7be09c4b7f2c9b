// Package decoder turns vendor binary streaming frames into typed
// tick records. Apart from incrementing the caller-supplied Stats
// counters it is a pure function from bytes to tick: it performs no
// I/O and never blocks (spec.md §3, §4.1).
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dhanstream/marketfeed/vendorproto"
)

// Byte offsets for the common header and the mode-2/mode-3
// extensions, declared as named constants per the "positional binary
// parsing -> typed decoder" redesign in spec.md §9.
const (
	offMode       = 0
	offExchange   = 1
	offToken      = 2
	tokenFieldLen = 25 // bytes 2..26 inclusive
	offSequence   = 27
	offExchangeTS = 35
	offLastPrice  = 43

	offLastQty      = 51
	offAvgPrice     = 59
	offVolume       = 67
	offTotalBuyQty  = 75
	offTotalSellQty = 83
	offOpen         = 91
	offHigh         = 99
	offLow          = 107
	offClose        = 115

	offLastTradedTS  = 123
	offOI            = 131
	offOIChangePct   = 139
	offBestFive      = 147
	bestFiveEntryLen = 20
	bestFiveEntries  = 10
	offUpperCircuit  = 347
	offLowerCircuit  = 355
	offHigh52Week    = 363
	offLow52Week     = 371

	minModeLTPLen       = offLastPrice + 4
	minModeQuoteLen     = offClose + 8
	minModeSnapQuoteLen = offLow52Week + 8

	ackFrameLen      = 51
	ackSignatureByte = 0x37
	offAckMessageID  = 3
	ackMessageIDLen  = 4
	offAckStatusCode = 38

	// StatusResubscribe is the acknowledgement status code that
	// requires a deferred full resubscribe (spec.md §4.1, §4.4).
	StatusResubscribe = 307
)

var (
	errShortFrame  = errors.New("decoder: frame too short")
	errUnknownMode = errors.New("decoder: unknown frame mode")
)

// Stats are process-wide counters a FeedManager or Connection can
// surface through metrics; Decode itself never reads them.
type Stats struct {
	FramesDecoded   atomic.Int64
	FramesAck       atomic.Int64
	FramesDiscarded atomic.Int64
	FieldErrors     atomic.Int64
}

// Classify inspects a frame's length and first bytes and reports
// which variant it is, without decoding the body. Ack detection (a
// 51-byte frame with byte[2] == 0x37) takes precedence over the mode
// byte, per spec.md §4.1 and the boundary behavior in §8.
func Classify(buf []byte) FrameKind {
	if len(buf) == ackFrameLen && buf[2] == ackSignatureByte {
		return FrameAck
	}
	if len(buf) < 1 {
		return FrameUnknown
	}
	switch buf[offMode] {
	case byte(vendorproto.ModeLTP):
		return FrameLTP
	case byte(vendorproto.ModeQuote):
		return FrameQuote
	case byte(vendorproto.ModeSnapQuote):
		return FrameSnapQuote
	default:
		return FrameUnknown
	}
}

// DecodeAck parses a 51-byte acknowledgement frame.
func DecodeAck(buf []byte) (Acknowledgement, error) {
	if len(buf) != ackFrameLen {
		return Acknowledgement{}, errShortFrame
	}
	id := buf[offAckMessageID : offAckMessageID+ackMessageIDLen]
	status := int16(binary.LittleEndian.Uint16(buf[offAckStatusCode : offAckStatusCode+2]))
	return Acknowledgement{
		MessageID:  string(id),
		StatusCode: status,
	}, nil
}

// DecodeLTP parses a mode-1 frame.
func DecodeLTP(buf []byte) LTPTick {
	var tick LTPTick
	if len(buf) < minModeLTPLen {
		tick.Err = fmt.Errorf("%w: need %d bytes, got %d", errShortFrame, minModeLTPLen, len(buf))
		return tick
	}

	tick.Exchange = vendorproto.ExchangeSegment(buf[offExchange])

	token, err := parseToken(buf[offToken : offToken+tokenFieldLen])
	if err != nil {
		tick.Err = err
	}
	tick.Token = token

	tick.Sequence = binary.LittleEndian.Uint64(buf[offSequence : offSequence+8])
	tick.ExchangeTimeMS = binary.LittleEndian.Uint64(buf[offExchangeTS : offExchangeTS+8])

	rawPrice := int32(binary.LittleEndian.Uint32(buf[offLastPrice : offLastPrice+4]))
	tick.LastPrice = float64(rawPrice) / tick.Exchange.Divisor()

	return tick
}

// DecodeQuote parses a mode-2 frame.
func DecodeQuote(buf []byte) QuoteTick {
	var tick QuoteTick
	tick.LTPTick = DecodeLTP(buf)
	if len(buf) < minModeQuoteLen {
		tick.Err = fmt.Errorf("%w: need %d bytes, got %d", errShortFrame, minModeQuoteLen, len(buf))
		return tick
	}

	divisor := tick.Exchange.Divisor()

	tick.LastQuantity = binary.LittleEndian.Uint64(buf[offLastQty : offLastQty+8])
	tick.AvgPrice = float64(binary.LittleEndian.Uint64(buf[offAvgPrice:offAvgPrice+8])) / divisor
	tick.Volume = binary.LittleEndian.Uint64(buf[offVolume : offVolume+8])
	tick.TotalBuyQty = decodeFloat64Bits(buf[offTotalBuyQty : offTotalBuyQty+8])
	tick.TotalSellQty = decodeFloat64Bits(buf[offTotalSellQty : offTotalSellQty+8])
	tick.Open = binary.LittleEndian.Uint64(buf[offOpen : offOpen+8])
	tick.High = binary.LittleEndian.Uint64(buf[offHigh : offHigh+8])
	tick.Low = binary.LittleEndian.Uint64(buf[offLow : offLow+8])
	tick.Close = binary.LittleEndian.Uint64(buf[offClose : offClose+8])

	return tick
}

// DecodeSnapQuote parses a mode-3 frame, including the best-five
// order book.
func DecodeSnapQuote(buf []byte) SnapQuoteTick {
	var tick SnapQuoteTick
	tick.QuoteTick = DecodeQuote(buf)
	if len(buf) < minModeSnapQuoteLen {
		tick.Err = fmt.Errorf("%w: need %d bytes, got %d", errShortFrame, minModeSnapQuoteLen, len(buf))
		return tick
	}

	divisor := tick.Exchange.Divisor()

	tick.LastTradedTimeMS = binary.LittleEndian.Uint64(buf[offLastTradedTS : offLastTradedTS+8])
	tick.OpenInterest = binary.LittleEndian.Uint64(buf[offOI : offOI+8])
	tick.OIChangePct = decodeFloat64Bits(buf[offOIChangePct : offOIChangePct+8])
	tick.UpperCircuit = binary.LittleEndian.Uint64(buf[offUpperCircuit : offUpperCircuit+8])
	tick.LowerCircuit = binary.LittleEndian.Uint64(buf[offLowerCircuit : offLowerCircuit+8])
	tick.High52Week = binary.LittleEndian.Uint64(buf[offHigh52Week : offHigh52Week+8])
	tick.Low52Week = binary.LittleEndian.Uint64(buf[offLow52Week : offLow52Week+8])
	_ = divisor // circuit/52w fields are already venue ticks, not separately divisor-scaled here

	tick.Buy, tick.Sell = decodeBestFive(buf[offBestFive : offBestFive+bestFiveEntries*bestFiveEntryLen])

	return tick
}

// Decode classifies and fully decodes a single inbound frame,
// returning the typed result as one of the values LTPTick, QuoteTick,
// SnapQuoteTick, or Acknowledgement via the FrameKind discriminant.
// Unknown modes are reported through stats and discarded rather than
// aborting the caller.
func Decode(buf []byte, stats *Stats) (FrameKind, interface{}) {
	kind := Classify(buf)
	switch kind {
	case FrameAck:
		ack, err := DecodeAck(buf)
		if stats != nil {
			stats.FramesAck.Add(1)
			if err != nil {
				stats.FieldErrors.Add(1)
			}
		}
		return FrameAck, ack
	case FrameLTP:
		tick := DecodeLTP(buf)
		recordResult(stats, tick.Err)
		return FrameLTP, tick
	case FrameQuote:
		tick := DecodeQuote(buf)
		recordResult(stats, tick.Err)
		return FrameQuote, tick
	case FrameSnapQuote:
		tick := DecodeSnapQuote(buf)
		recordResult(stats, tick.Err)
		return FrameSnapQuote, tick
	default:
		if stats != nil {
			stats.FramesDiscarded.Add(1)
		}
		return FrameUnknown, errUnknownMode
	}
}

func recordResult(stats *Stats, err error) {
	if stats == nil {
		return
	}
	stats.FramesDecoded.Add(1)
	if err != nil {
		stats.FieldErrors.Add(1)
	}
}

func parseToken(field []byte) (int64, error) {
	end := len(field)
	for i, b := range field {
		if b == 0 {
			end = i
			break
		}
	}
	s := strings.TrimSpace(string(field[:end]))
	if s == "" {
		return 0, fmt.Errorf("decoder: empty token field")
	}
	token, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decoder: invalid token %q: %w", s, err)
	}
	return token, nil
}

func decodeFloat64Bits(b []byte) float64 {
	bits := binary.LittleEndian.Uint64(b)
	return math.Float64frombits(bits)
}

func decodeBestFive(buf []byte) (buy, sell []DepthLevel) {
	for i := 0; i < bestFiveEntries; i++ {
		start := i * bestFiveEntryLen
		entry := buf[start : start+bestFiveEntryLen]

		flag := int16(binary.LittleEndian.Uint16(entry[0:2]))
		quantity := int64(binary.LittleEndian.Uint64(entry[2:10]))
		rawPrice := int64(binary.LittleEndian.Uint64(entry[10:18]))
		orderCount := int16(binary.LittleEndian.Uint16(entry[18:20]))

		level := DepthLevel{
			Quantity:   quantity,
			Price:      float64(rawPrice) / 100,
			OrderCount: orderCount,
		}

		switch flag {
		case int16(SideBuy):
			level.Side = SideBuy
			buy = append(buy, level)
		case int16(SideSell):
			level.Side = SideSell
			sell = append(sell, level)
		default:
			// side outside {0,1}: skip per spec.md §4.1
		}
	}

	sort.SliceStable(buy, func(i, j int) bool { return buy[i].Price > buy[j].Price })
	sort.SliceStable(sell, func(i, j int) bool { return sell[i].Price < sell[j].Price })

	if len(buy) > 5 {
		buy = buy[:5]
	}
	if len(sell) > 5 {
		sell = sell[:5]
	}

	return buy, sell
}
