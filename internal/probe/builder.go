package probe

import (
	"strconv"
	"strings"
	"time"

	"limit-probe/internal/indodax"
)

const (
	methodTrade    = "trade"
	sideBuy        = "buy"
	orderTypeLimit = "limit"

	// Price and amount are chosen so the order can never fill: a minimal
	// quantity bid far from any plausible market. The probe only needs the
	// request to be accepted or rejected, never executed.
	defaultLimitPrice = "50000000000"
	defaultAmount     = "0.00001"
	defaultRecvWindow = "5000"
)

type BuilderConfig struct {
	SecretKey  string
	Price      string
	Amount     string
	RecvWindow string
}

// Builder assembles the canonical trade payload for one probe attempt,
// independent of pacing. The parameter order is load-bearing: the signature
// is computed over the encoded body in this exact order.
type Builder struct {
	secretKey  string
	price      string
	amount     string
	recvWindow string

	now func() time.Time
}

func NewBuilder(cfg BuilderConfig) *Builder {
	b := &Builder{
		secretKey:  cfg.SecretKey,
		price:      cfg.Price,
		amount:     cfg.Amount,
		recvWindow: cfg.RecvWindow,
		now:        time.Now,
	}
	if b.price == "" {
		b.price = defaultLimitPrice
	}
	if b.amount == "" {
		b.amount = defaultAmount
	}
	if b.recvWindow == "" {
		b.recvWindow = defaultRecvWindow
	}
	return b
}

// Build produces the request for one sequence number. The timestamp is
// sampled at call time and never reused: the remote side treats it as a
// replay nonce.
func (b *Builder) Build(pair string, sequence int) ProbeRequest {
	timestamp := b.now().UnixMilli()
	params := indodax.Params{
		{Key: "method", Value: methodTrade},
		{Key: "timestamp", Value: strconv.FormatInt(timestamp, 10)},
		{Key: "recvWindow", Value: b.recvWindow},
		{Key: "pair", Value: pair},
		{Key: "type", Value: sideBuy},
		{Key: "price", Value: b.price},
		{Key: "order_type", Value: orderTypeLimit},
		{Key: baseCurrency(pair), Value: b.amount},
	}
	return ProbeRequest{
		Pair:      pair,
		Sequence:  sequence,
		Timestamp: timestamp,
		Params:    params,
		Signature: indodax.Sign(b.secretKey, params),
	}
}

// baseCurrency derives the quantity field name from the pair identifier,
// e.g. "btc_idr" -> "btc".
func baseCurrency(pair string) string {
	if i := strings.IndexByte(pair, '_'); i > 0 {
		return pair[:i]
	}
	return pair
}
