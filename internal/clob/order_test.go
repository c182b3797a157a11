package clob

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	ordermodel "github.com/polymarket/go-order-utils/pkg/model"
)

func TestLimitOrderAmounts(t *testing.T) {
	cases := []struct {
		name      string
		o         LimitOrder
		maker     uint64
		taker     uint64
		wantError bool
	}{
		{
			name:  "buy",
			o:     LimitOrder{Side: SideBuy, PriceMicros: 645_000, SizeMicros: 77_510_000, TickMicros: 5_000},
			maker: 49_993_950,
			taker: 77_510_000,
		},
		{
			name:  "sell",
			o:     LimitOrder{Side: SideSell, PriceMicros: 405_000, SizeMicros: 40_000_000, TickMicros: 5_000},
			maker: 40_000_000,
			taker: 16_200_000,
		},
		{
			name:  "ragged size floored to venue step",
			o:     LimitOrder{Side: SideBuy, PriceMicros: 645_000, SizeMicros: 77_519_379, TickMicros: 5_000},
			maker: 49_993_950,
			taker: 77_510_000,
		},
		{
			name:      "zero price",
			o:         LimitOrder{Side: SideBuy, PriceMicros: 0, SizeMicros: 1_000_000},
			wantError: true,
		},
		{
			name:      "price at one",
			o:         LimitOrder{Side: SideBuy, PriceMicros: 1_000_000, SizeMicros: 1_000_000},
			wantError: true,
		},
		{
			name:      "price off tick",
			o:         LimitOrder{Side: SideBuy, PriceMicros: 645_000, SizeMicros: 1_000_000, TickMicros: 10_000},
			wantError: true,
		},
		{
			name:      "size below step",
			o:         LimitOrder{Side: SideBuy, PriceMicros: 500_000, SizeMicros: 9_999},
			wantError: true,
		},
	}

	for _, tc := range cases {
		maker, taker, err := tc.o.Amounts()
		if tc.wantError {
			if err == nil {
				t.Fatalf("%s: want error, got maker=%d taker=%d", tc.name, maker, taker)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if maker != tc.maker || taker != tc.taker {
			t.Fatalf("%s: got maker=%d taker=%d want maker=%d taker=%d",
				tc.name, maker, taker, tc.maker, tc.taker)
		}
	}
}

func TestRandomSaltRange(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 1000; i++ {
		s := RandomSalt()
		if s < 0 || s >= 1<<53 {
			t.Fatalf("salt %d outside [0, 2^53)", s)
		}
		seen[s] = true
	}
	if len(seen) < 2 {
		t.Fatalf("salts not random")
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := NewClient("https://clob.example.org", 137, pk, common.Address{}, 0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSignLimitOrder(t *testing.T) {
	c := newTestClient(t)

	signed, err := c.SignLimitOrder(LimitOrder{
		TokenID:     "81104",
		Side:        SideBuy,
		PriceMicros: 645_000,
		SizeMicros:  77_510_000,
		TickMicros:  5_000,
	}, func() int64 { return 42 })
	if err != nil {
		t.Fatalf("SignLimitOrder: %v", err)
	}

	if got := signed.Salt.Int64(); got != 42 {
		t.Fatalf("salt=%d want 42", got)
	}
	if got := signed.MakerAmount.String(); got != "49993950" {
		t.Fatalf("makerAmount=%s", got)
	}
	if got := signed.TakerAmount.String(); got != "77510000" {
		t.Fatalf("takerAmount=%s", got)
	}
	if got := signed.Expiration.String(); got != "0" {
		t.Fatalf("expiration=%s", got)
	}
	if signed.Maker != c.FunderAddress() || signed.Signer != c.SignerAddress() {
		t.Fatalf("maker/signer mismatch")
	}
	if len(signed.Signature) != 65 {
		t.Fatalf("signature length %d", len(signed.Signature))
	}
}

func TestBuildOrderBody(t *testing.T) {
	c := newTestClient(t)
	c.SetCreds(Creds{Key: "key-1", Secret: "c2VjcmV0", Passphrase: "pass"})

	signed := &ordermodel.SignedOrder{
		Order: ordermodel.Order{
			Salt:          big.NewInt(42),
			Maker:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Signer:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Taker:         common.Address{},
			TokenId:       big.NewInt(81104),
			MakerAmount:   big.NewInt(49_993_950),
			TakerAmount:   big.NewInt(77_510_000),
			Expiration:    big.NewInt(0),
			Nonce:         big.NewInt(0),
			FeeRateBps:    big.NewInt(0),
			Side:          big.NewInt(int64(ordermodel.BUY)),
			SignatureType: big.NewInt(0),
		},
		Signature: []byte{0xde, 0xad, 0xbe, 0xef},
	}

	body, err := c.BuildOrderBody(signed, OrderTypeFOK)
	if err != nil {
		t.Fatalf("BuildOrderBody: %v", err)
	}

	var payload struct {
		Owner     string `json:"owner"`
		OrderType string `json:"orderType"`
		Order     struct {
			Salt      int64  `json:"salt"`
			Side      string `json:"side"`
			TokenID   string `json:"tokenId"`
			Signature string `json:"signature"`
			Taker     string `json:"taker"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Owner != "key-1" {
		t.Fatalf("owner=%q", payload.Owner)
	}
	if payload.OrderType != "FOK" {
		t.Fatalf("orderType=%q", payload.OrderType)
	}
	if payload.Order.Salt != 42 || payload.Order.Side != "BUY" {
		t.Fatalf("order=%+v", payload.Order)
	}
	if payload.Order.TokenID != "81104" {
		t.Fatalf("tokenId=%q", payload.Order.TokenID)
	}
	if payload.Order.Signature != "0xdeadbeef" {
		t.Fatalf("signature=%q", payload.Order.Signature)
	}
	if payload.Order.Taker != zeroAddressHex {
		t.Fatalf("taker=%q", payload.Order.Taker)
	}
}

func TestPostOrderResultClassification(t *testing.T) {
	var accepted PostOrderResult
	if err := json.Unmarshal([]byte(`{"success":true,"errorMsg":"","orderID":"0xabc","status":"matched"}`), &accepted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !accepted.Accepted() || accepted.Rejected() {
		t.Fatalf("accepted order misclassified: %+v", accepted)
	}

	// The venue spells the ID field both ways.
	var altSpelling PostOrderResult
	if err := json.Unmarshal([]byte(`{"success":true,"orderId":"0xdef"}`), &altSpelling); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if altSpelling.OrderID != "0xdef" {
		t.Fatalf("orderId spelling not picked up: %+v", altSpelling)
	}

	// success=true with an errorMsg is a kill, not a fill.
	var killed PostOrderResult
	if err := json.Unmarshal([]byte(`{"success":true,"errorMsg":"order killed: not enough liquidity"}`), &killed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if killed.Accepted() || !killed.Rejected() {
		t.Fatalf("killed order misclassified: %+v", killed)
	}
}
