package clob

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	orderbuilder "github.com/polymarket/go-order-utils/pkg/builder"
	ordermodel "github.com/polymarket/go-order-utils/pkg/model"

	"polytaker/internal/micros"
)

const zeroAddressHex = "0x0000000000000000000000000000000000000000"

// SizeStepMicros is the venue precision rail for order sizes: prices carry
// at most the tick's decimals, sizes at most 2. A tick-aligned price times a
// 2-decimal size is exact in 1e6 base units, so amount math below never
// rounds.
const SizeStepMicros = 10_000 // 0.01 shares

// ErrUnsent marks failures that happened before any bytes reached the wire.
// Everything past that point is ambiguous: the venue may have the order.
var ErrUnsent = errors.New("clob: order not sent")

// LimitOrder is the immutable input to signing. Price and size are
// micro-units; the engine has already rounded price to tick and size to the
// venue's size step.
type LimitOrder struct {
	TokenID     string
	Side        Side
	PriceMicros uint64
	SizeMicros  uint64
	TickMicros  uint64
	NegRisk     bool
	FeeRateBps  int
	// Expiration is unix seconds; zero means none. GTD orders must sit at
	// least the venue's 60s security threshold past now.
	Expiration int64
}

// Amounts computes the on-chain maker/taker amounts in 1e6 base units.
// BUY: maker = collateral spent, taker = shares received. SELL: reversed.
func (o LimitOrder) Amounts() (maker, taker uint64, err error) {
	if o.PriceMicros == 0 || o.PriceMicros >= micros.Scale {
		return 0, 0, fmt.Errorf("price %s outside (0,1)", micros.Format(o.PriceMicros))
	}
	if o.TickMicros > 0 && o.PriceMicros%o.TickMicros != 0 {
		return 0, 0, fmt.Errorf("price %s not aligned to tick %s",
			micros.Format(o.PriceMicros), micros.Format(o.TickMicros))
	}
	size := o.SizeMicros - o.SizeMicros%SizeStepMicros
	if size == 0 {
		return 0, 0, fmt.Errorf("size %s below venue size step", micros.Format(o.SizeMicros))
	}
	quote := micros.Cost(size, o.PriceMicros)
	if quote == 0 {
		return 0, 0, fmt.Errorf("quote amount rounds to zero")
	}
	if o.Side == SideSell {
		return size, quote, nil
	}
	return quote, size, nil
}

// RandomSalt draws a uniformly random salt in [0, 2^53), the JSON
// safe-integer range the venue's parser preserves exactly.
func RandomSalt() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return int64(binary.BigEndian.Uint64(b[:]) >> 11)
}

// SignLimitOrder builds and signs the order under the exchange's EIP-712
// domain. Pure CPU, no network: the hot path calls this between decision and
// wire.
func (c *Client) SignLimitOrder(o LimitOrder, saltGen func() int64) (*ordermodel.SignedOrder, error) {
	maker, taker, err := o.Amounts()
	if err != nil {
		return nil, err
	}

	var sideEnum ordermodel.Side
	switch o.Side {
	case SideBuy:
		sideEnum = ordermodel.BUY
	case SideSell:
		sideEnum = ordermodel.SELL
	default:
		return nil, fmt.Errorf("invalid side %q", o.Side)
	}

	contract := ordermodel.CTFExchange
	if o.NegRisk {
		contract = ordermodel.NegRiskCTFExchange
	}
	if saltGen == nil {
		saltGen = RandomSalt
	}

	od := &ordermodel.OrderData{
		Maker:         c.funder.Hex(),
		Taker:         zeroAddressHex,
		TokenId:       o.TokenID,
		MakerAmount:   strconv.FormatUint(maker, 10),
		TakerAmount:   strconv.FormatUint(taker, 10),
		FeeRateBps:    strconv.Itoa(o.FeeRateBps),
		Nonce:         "0",
		Signer:        c.signer.Hex(),
		Expiration:    strconv.FormatInt(o.Expiration, 10),
		Side:          sideEnum,
		SignatureType: ordermodel.SignatureType(c.sigType),
	}
	return signOrder(c.chainID, c.privateKey, od, contract, saltGen)
}

func signOrder(chainID int64, pk *ecdsa.PrivateKey, od *ordermodel.OrderData, contract ordermodel.VerifyingContract, saltGen func() int64) (*ordermodel.SignedOrder, error) {
	b := orderbuilder.NewExchangeOrderBuilderImpl(big.NewInt(chainID), saltGen)
	return b.BuildSignedOrder(pk, od, contract)
}

type orderPayload struct {
	DeferExec bool      `json:"deferExec"`
	Order     orderJSON `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

type orderJSON struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          Side   `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// BuildOrderBody marshals the submission payload. Exposed so dry runs and
// benchmarks exercise the exact bytes the wire would carry.
func (c *Client) BuildOrderBody(order *ordermodel.SignedOrder, orderType OrderType) ([]byte, error) {
	if order == nil {
		return nil, fmt.Errorf("order required")
	}
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	owner := ""
	if creds != nil {
		owner = creds.Key
	}

	payload := orderPayload{
		Owner:     owner,
		OrderType: orderType,
		Order: orderJSON{
			Salt:          order.Salt.Int64(),
			Maker:         order.Maker.Hex(),
			Signer:        order.Signer.Hex(),
			Taker:         order.Taker.Hex(),
			TokenID:       order.TokenId.String(),
			MakerAmount:   order.MakerAmount.String(),
			TakerAmount:   order.TakerAmount.String(),
			Expiration:    order.Expiration.String(),
			Nonce:         order.Nonce.String(),
			FeeRateBps:    order.FeeRateBps.String(),
			Side:          sideFromEnum(order.Side),
			SignatureType: int(order.SignatureType.Int64()),
			Signature:     "0x" + fmt.Sprintf("%x", order.Signature),
		},
	}
	return json.Marshal(payload)
}

func sideFromEnum(v *big.Int) Side {
	if v != nil && v.Int64() == int64(ordermodel.SELL) {
		return SideSell
	}
	return SideBuy
}

// PostOrderResult is the venue's /order response. The venue answers 2xx with
// success=true even for killed immediate-or-cancel orders, so acceptance is
// judged by errorMsg and the presence of an order ID. Go's JSON decoding is
// case-insensitive on fallback, so the OrderID tag also catches "orderId".
type PostOrderResult struct {
	Success            bool     `json:"success"`
	ErrorMsg           string   `json:"errorMsg"`
	OrderID            string   `json:"orderID"`
	Status             string   `json:"status"`
	TakingAmount       string   `json:"takingAmount"`
	MakingAmount       string   `json:"makingAmount"`
	TransactionsHashes []string `json:"transactionsHashes"`
}

// Accepted reports whether the venue booked the order for matching.
func (r PostOrderResult) Accepted() bool {
	return r.Success && r.ErrorMsg == "" && r.OrderID != ""
}

// Rejected reports a clean venue-side refusal: the order provably never
// entered the book.
func (r PostOrderResult) Rejected() bool {
	return r.ErrorMsg != "" && r.OrderID == ""
}

// PostOrder submits one signed order. Failures wrapped with ErrUnsent
// happened strictly before the HTTP attempt; any later error leaves the
// order's fate unknown and the caller must not retry.
func (c *Client) PostOrder(ctx context.Context, order *ordermodel.SignedOrder, orderType OrderType) (PostOrderResult, []byte, error) {
	var res PostOrderResult
	if order == nil {
		return res, nil, fmt.Errorf("%w: order required", ErrUnsent)
	}

	body, err := c.BuildOrderBody(order, orderType)
	if err != nil {
		return res, nil, fmt.Errorf("%w: %v", ErrUnsent, err)
	}
	headers, err := c.L2Headers(nowUnixSeconds(), http.MethodPost, "/order", body)
	if err != nil {
		return res, body, fmt.Errorf("%w: %v", ErrUnsent, err)
	}

	raw, err := c.doJSONBody(ctx, http.MethodPost, "/order", nil, headers, body, &res)
	if err != nil {
		// A non-2xx still decodes when the venue sent a structured refusal.
		if len(raw) > 0 && json.Unmarshal(raw, &res) == nil && res.ErrorMsg != "" {
			return res, body, nil
		}
		return res, body, err
	}
	return res, body, nil
}
