package decoder

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/dhanstream/marketfeed/vendorproto"
)

// buildHeader writes the common 47-byte header (mode through last
// price) used by every mode.
func buildHeader(buf []byte, mode byte, exchange byte, token int64, sequence, exchangeTS uint64, rawPrice int32) {
	buf[offMode] = mode
	buf[offExchange] = exchange
	tokenStr := []byte{}
	tokenStr = append(tokenStr, []byte(itoa(token))...)
	copy(buf[offToken:offToken+tokenFieldLen], tokenStr)
	binary.LittleEndian.PutUint64(buf[offSequence:offSequence+8], sequence)
	binary.LittleEndian.PutUint64(buf[offExchangeTS:offExchangeTS+8], exchangeTS)
	binary.LittleEndian.PutUint32(buf[offLastPrice:offLastPrice+4], uint32(rawPrice))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

func TestDecodeLTP_DivisorByExchange(t *testing.T) {
	cases := []struct {
		name     string
		exchange byte
		raw      int32
		want     float64
	}{
		{"nse cash divisor 100", byte(vendorproto.SegmentNSECash), 9950, 99.50},
		{"currency divisor 1e7", byte(vendorproto.SegmentCurrency), 12345000, 1.2345},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, minModeLTPLen)
			buildHeader(buf, 1, tc.exchange, 101, 1, 1000, tc.raw)

			tick := DecodeLTP(buf)
			if tick.Err != nil {
				t.Fatalf("unexpected error: %v", tick.Err)
			}
			if math.Abs(tick.LastPrice-tc.want) > 1e-9 {
				t.Errorf("LastPrice = %v, want %v", tick.LastPrice, tc.want)
			}
		})
	}
}

func TestDecodeLTP_S1Scenario(t *testing.T) {
	buf := make([]byte, minModeLTPLen)
	buildHeader(buf, 1, byte(vendorproto.SegmentNSECash), 101, 42, 1700000000000, 9950)

	tick := DecodeLTP(buf)
	if tick.Err != nil {
		t.Fatalf("unexpected error: %v", tick.Err)
	}
	if tick.Token != 101 {
		t.Errorf("Token = %d, want 101", tick.Token)
	}
	if tick.LastPrice != 99.50 {
		t.Errorf("LastPrice = %v, want 99.50", tick.LastPrice)
	}
}

func TestClassify_AckTakesPrecedence(t *testing.T) {
	buf := make([]byte, ackFrameLen)
	buf[0] = 1 // looks like mode 1
	buf[2] = ackSignatureByte

	if kind := Classify(buf); kind != FrameAck {
		t.Fatalf("Classify = %v, want FrameAck", kind)
	}
}

func TestDecodeAck_Status307(t *testing.T) {
	buf := make([]byte, ackFrameLen)
	buf[2] = ackSignatureByte
	copy(buf[offAckMessageID:offAckMessageID+ackMessageIDLen], []byte("A1B2"))
	binary.LittleEndian.PutUint16(buf[offAckStatusCode:offAckStatusCode+2], uint16(StatusResubscribe))

	ack, err := DecodeAck(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.MessageID != "A1B2" {
		t.Errorf("MessageID = %q, want A1B2", ack.MessageID)
	}
	if ack.StatusCode != StatusResubscribe {
		t.Errorf("StatusCode = %d, want %d", ack.StatusCode, StatusResubscribe)
	}
}

func TestClassify_UnknownModeDiscarded(t *testing.T) {
	buf := make([]byte, minModeLTPLen)
	buf[0] = 9
	if kind := Classify(buf); kind != FrameUnknown {
		t.Fatalf("Classify = %v, want FrameUnknown", kind)
	}
}

// buildSnapQuote constructs a full mode-3 frame with the best-five
// prices from the S2 scenario in spec.md §8: buy 145.00, 144.95,
// 144.90 and sell 145.10, 145.15, injected out of sorted order to
// exercise the sort step.
func buildSnapQuote(t *testing.T, token int64) []byte {
	t.Helper()
	buf := make([]byte, minModeSnapQuoteLen)
	buildHeader(buf, 3, byte(vendorproto.SegmentNSECash), token, 7, 1700000000000, 9950)

	binary.LittleEndian.PutUint64(buf[offLastQty:offLastQty+8], 5)
	binary.LittleEndian.PutUint64(buf[offAvgPrice:offAvgPrice+8], 9950)
	binary.LittleEndian.PutUint64(buf[offVolume:offVolume+8], 100000)
	binary.LittleEndian.PutUint64(buf[offOpen:offOpen+8], 9900)
	binary.LittleEndian.PutUint64(buf[offHigh:offHigh+8], 10000)
	binary.LittleEndian.PutUint64(buf[offLow:offLow+8], 9800)
	binary.LittleEndian.PutUint64(buf[offClose:offClose+8], 9900)
	binary.LittleEndian.PutUint64(buf[offLastTradedTS:offLastTradedTS+8], 1700000000000)
	binary.LittleEndian.PutUint64(buf[offOI:offOI+8], 500)

	type rawLevel struct {
		side  int16
		qty   int64
		price int64 // already *100
		count int16
	}
	// Deliberately out of order to verify the decoder sorts.
	levels := []rawLevel{
		{1, 10, 14495, 3}, // buy 144.95
		{0, 20, 14515, 4}, // sell 145.15
		{1, 30, 14500, 1}, // buy 145.00
		{0, 40, 14510, 2}, // sell 145.10
		{1, 50, 14490, 5}, // buy 144.90
	}
	for i, lvl := range levels {
		start := offBestFive + i*bestFiveEntryLen
		binary.LittleEndian.PutUint16(buf[start:start+2], uint16(lvl.side))
		binary.LittleEndian.PutUint64(buf[start+2:start+10], uint64(lvl.qty))
		binary.LittleEndian.PutUint64(buf[start+10:start+18], uint64(lvl.price))
		binary.LittleEndian.PutUint16(buf[start+18:start+20], uint16(lvl.count))
	}
	// Remaining 5 entries default to side flag 0x0000... but that
	// collides with SideSell; set an out-of-range flag so they are
	// skipped per spec.md §4.1.
	for i := len(levels); i < bestFiveEntries; i++ {
		start := offBestFive + i*bestFiveEntryLen
		binary.LittleEndian.PutUint16(buf[start:start+2], 0xFFFF)
	}

	return buf
}

func TestDecodeSnapQuote_S2Scenario(t *testing.T) {
	buf := buildSnapQuote(t, 71933)
	tick := DecodeSnapQuote(buf)
	if tick.Err != nil {
		t.Fatalf("unexpected error: %v", tick.Err)
	}

	wantBuy := []float64{145.00, 144.95, 144.90}
	if len(tick.Buy) != len(wantBuy) {
		t.Fatalf("len(Buy) = %d, want %d", len(tick.Buy), len(wantBuy))
	}
	for i, want := range wantBuy {
		if math.Abs(tick.Buy[i].Price-want) > 1e-9 {
			t.Errorf("Buy[%d].Price = %v, want %v", i, tick.Buy[i].Price, want)
		}
	}

	wantSell := []float64{145.10, 145.15}
	if len(tick.Sell) != len(wantSell) {
		t.Fatalf("len(Sell) = %d, want %d", len(tick.Sell), len(wantSell))
	}
	for i, want := range wantSell {
		if math.Abs(tick.Sell[i].Price-want) > 1e-9 {
			t.Errorf("Sell[%d].Price = %v, want %v", i, tick.Sell[i].Price, want)
		}
	}
}

func TestDecodeSnapQuote_BestFiveOrderingAndTruncation(t *testing.T) {
	buf := make([]byte, minModeSnapQuoteLen)
	buildHeader(buf, 3, byte(vendorproto.SegmentNSECash), 1, 1, 1, 100)

	// 7 buy levels with ascending raw prices; only the top 5 (by
	// price, descending) should survive.
	for i := 0; i < 7 && i < bestFiveEntries; i++ {
		start := offBestFive + i*bestFiveEntryLen
		binary.LittleEndian.PutUint16(buf[start:start+2], uint16(SideBuy))
		binary.LittleEndian.PutUint64(buf[start+2:start+10], 1)
		binary.LittleEndian.PutUint64(buf[start+10:start+18], uint64((i+1)*100))
		binary.LittleEndian.PutUint16(buf[start+18:start+20], 1)
	}

	tick := DecodeSnapQuote(buf)
	if len(tick.Buy) != 5 {
		t.Fatalf("len(Buy) = %d, want 5 (truncated)", len(tick.Buy))
	}
	for i := 1; i < len(tick.Buy); i++ {
		if tick.Buy[i].Price > tick.Buy[i-1].Price {
			t.Fatalf("Buy not descending at %d: %v > %v", i, tick.Buy[i].Price, tick.Buy[i-1].Price)
		}
	}
}

func TestDecodeLTP_ShortFrameReturnsPartialWithError(t *testing.T) {
	buf := make([]byte, 10)
	tick := DecodeLTP(buf)
	if tick.Err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestDecode_RoutesByMode(t *testing.T) {
	var stats Stats

	ltpBuf := make([]byte, minModeLTPLen)
	buildHeader(ltpBuf, 1, byte(vendorproto.SegmentNSECash), 1, 1, 1, 100)
	kind, _ := Decode(ltpBuf, &stats)
	if kind != FrameLTP {
		t.Errorf("Decode mode1 kind = %v, want FrameLTP", kind)
	}

	snapBuf := buildSnapQuote(t, 1)
	kind, val := Decode(snapBuf, &stats)
	if kind != FrameSnapQuote {
		t.Errorf("Decode mode3 kind = %v, want FrameSnapQuote", kind)
	}
	if _, ok := val.(SnapQuoteTick); !ok {
		t.Errorf("Decode mode3 value type = %T, want SnapQuoteTick", val)
	}

	if stats.FramesDecoded.Load() != 2 {
		t.Errorf("FramesDecoded = %d, want 2", stats.FramesDecoded.Load())
	}
}
