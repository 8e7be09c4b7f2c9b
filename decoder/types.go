package decoder

import "github.com/dhanstream/marketfeed/vendorproto"

// Side identifies which side of the order book a best-five level sits on.
type Side int

const (
	SideSell Side = 0
	SideBuy  Side = 1
)

// DepthLevel is one best-five order-book entry.
type DepthLevel struct {
	Side       Side
	Quantity   int64
	Price      float64
	OrderCount int16
}

// LTPTick is the decoded payload of a mode-1 frame.
type LTPTick struct {
	Token          int64
	Exchange       vendorproto.ExchangeSegment
	Sequence       uint64
	ExchangeTimeMS uint64
	LastPrice      float64

	// Err is set when a field extraction failed; the tick is still
	// returned so the caller can decide whether to discard it. The
	// decoder never panics or aborts the connection on a bad frame.
	Err error
}

// QuoteTick is the decoded payload of a mode-2 frame: an LTPTick plus
// the day's trade totals and OHLC.
type QuoteTick struct {
	LTPTick

	LastQuantity  uint64
	AvgPrice      float64
	Volume        uint64
	TotalBuyQty   float64
	TotalSellQty  float64
	Open          uint64
	High          uint64
	Low           uint64
	Close         uint64
}

// SnapQuoteTick is the decoded payload of a mode-3 frame: a QuoteTick
// plus open interest, circuit limits, 52-week range, and the best-five
// order book on both sides.
type SnapQuoteTick struct {
	QuoteTick

	LastTradedTimeMS uint64
	OpenInterest     uint64
	OIChangePct      float64
	Buy              []DepthLevel
	Sell             []DepthLevel
	UpperCircuit     uint64
	LowerCircuit     uint64
	High52Week       uint64
	Low52Week        uint64
}

// Acknowledgement is the decoded payload of a 51-byte ack frame.
type Acknowledgement struct {
	MessageID  string
	StatusCode int16
}

// FrameKind classifies an inbound binary frame before decoding.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameLTP
	FrameQuote
	FrameSnapQuote
	FrameAck
)
