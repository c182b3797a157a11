package polygonwatch

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rs/zerolog"
)

func orderFilledLog() types.Log {
	var data [32 * 5]byte
	put := func(word int, v uint64) {
		b := new(big.Int).SetUint64(v).FillBytes(make([]byte, 32))
		copy(data[word*32:(word+1)*32], b)
	}
	put(0, 11)
	put(1, 22)
	put(2, 33)
	put(3, 44)
	put(4, 55)

	return types.Log{
		TxHash:      common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		BlockHash:   common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		BlockNumber: 123,
		Index:       7,
		Topics: []common.Hash{
			orderFilledTopic,
			common.HexToHash("0x02"),
			common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
		},
		Data: data[:],
	}
}

func TestDecodeOrderFilledLog(t *testing.T) {
	fill, err := DecodeOrderFilledLog(orderFilledLog())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fill.Maker.Hex(); got != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("maker = %s", got)
	}
	if got := fill.Taker.Hex(); got != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("taker = %s", got)
	}
	if fill.MakerAssetID.String() != "11" || fill.TakerAssetID.String() != "22" {
		t.Fatalf("asset decode mismatch: maker=%s taker=%s", fill.MakerAssetID, fill.TakerAssetID)
	}
	if fill.MakerAmountFilled.String() != "33" || fill.TakerAmountFilled.String() != "44" || fill.Fee.String() != "55" {
		t.Fatalf("amount decode mismatch: makerAmt=%s takerAmt=%s fee=%s", fill.MakerAmountFilled, fill.TakerAmountFilled, fill.Fee)
	}
	if fill.LogIndex != 7 || fill.BlockNumber != 123 {
		t.Fatalf("cursor mismatch: block=%d idx=%d", fill.BlockNumber, fill.LogIndex)
	}
}

func TestDecodeOrderFilledLogRejectsMalformed(t *testing.T) {
	short := orderFilledLog()
	short.Topics = short.Topics[:3]
	if _, err := DecodeOrderFilledLog(short); err == nil {
		t.Fatalf("expected error for missing topics")
	}

	truncated := orderFilledLog()
	truncated.Data = truncated.Data[:32*4]
	if _, err := DecodeOrderFilledLog(truncated); err == nil {
		t.Fatalf("expected error for truncated data")
	}
}

func TestFillQueryPinsWalletTopic(t *testing.T) {
	wallet := common.HexToAddress("0x3333333333333333333333333333333333333333")
	exchanges := []common.Address{
		common.HexToAddress("0x4444444444444444444444444444444444444444"),
		common.HexToAddress("0x5555555555555555555555555555555555555555"),
	}
	w := NewWatcher("ws://unused", wallet, exchanges, zerolog.Nop(), Options{})

	q := w.fillQuery(topicTaker)
	if len(q.Addresses) != 2 {
		t.Fatalf("addresses = %d, want 2", len(q.Addresses))
	}
	if len(q.Topics) != 4 {
		t.Fatalf("topics len = %d, want 4", len(q.Topics))
	}
	if q.Topics[0][0] != orderFilledTopic {
		t.Fatalf("topic0 = %s, want OrderFilled sig", q.Topics[0][0].Hex())
	}
	if q.Topics[1] != nil || q.Topics[2] != nil {
		t.Fatalf("order hash and maker positions must stay wildcards")
	}
	if got := q.Topics[3][0]; got != common.BytesToHash(wallet.Bytes()) {
		t.Fatalf("taker topic = %s, want wallet", got.Hex())
	}

	// The maker query pins position 2 and leaves the taker side open.
	q = w.fillQuery(topicMaker)
	if len(q.Topics) != 3 {
		t.Fatalf("maker topics len = %d, want 3", len(q.Topics))
	}
	if got := q.Topics[2][0]; got != common.BytesToHash(wallet.Bytes()) {
		t.Fatalf("maker topic = %s, want wallet", got.Hex())
	}
}
