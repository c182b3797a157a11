// Package clob is the REST client for the exchange. Level-1 endpoints
// authenticate with a wallet signature and mint the API credential triple;
// level-2 endpoints authenticate every request with an HMAC over the
// canonical timestamp+method+path+body string. The credential triple lives
// in memory only and is never logged.
package clob

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultHost = "https://clob.polymarket.com"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFAK OrderType = "FAK"
)

// Creds is the exchange API credential triple minted by the L1 endpoints.
type Creds struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type credsRaw struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type Client struct {
	host       string
	httpClient *http.Client
	chainID    int64
	privateKey *ecdsa.PrivateKey
	signer     common.Address
	funder     common.Address
	sigType    int // 0=EOA, 1=POLY_PROXY, 2=POLY_GNOSIS_SAFE

	mu       sync.RWMutex
	creds    *Creds
	tickSize map[string]string
	negRisk  map[string]bool
}

func NewClient(host string, chainID int64, privateKey *ecdsa.PrivateKey, funder common.Address, signatureType int) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("clob host must be http(s), got %q", host)
	}
	if privateKey == nil {
		return nil, fmt.Errorf("private key required")
	}
	signer := crypto.PubkeyToAddress(privateKey.PublicKey)
	if (funder == common.Address{}) {
		funder = signer
	}

	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		chainID:    chainID,
		privateKey: privateKey,
		signer:     signer,
		funder:     funder,
		sigType:    signatureType,
		tickSize:   make(map[string]string),
		negRisk:    make(map[string]bool),
	}, nil
}

func (c *Client) SignerAddress() common.Address { return c.signer }
func (c *Client) FunderAddress() common.Address { return c.funder }
func (c *Client) ChainID() int64                { return c.chainID }
func (c *Client) SignatureType() int            { return c.sigType }

func (c *Client) SetCreds(creds Creds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = &creds
}

// Creds returns a copy of the credential triple, if set. The user-channel
// subscription needs it; nothing else should.
func (c *Client) Creds() (Creds, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return Creds{}, false
	}
	return *c.creds, true
}

func (c *Client) HasCreds() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds != nil && c.creds.Key != "" && c.creds.Secret != "" && c.creds.Passphrase != ""
}

func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var ts int64
	if err := c.doJSON(ctx, http.MethodGet, "/time", nil, nil, &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// EnsureCreds derives the API credential triple for the wallet, creating it
// if the venue has never seen this key. The result is stored on the client.
func (c *Client) EnsureCreds(ctx context.Context, nonce uint64, useServerTime bool) (Creds, error) {
	// Derive first: creating with an already-used nonce fails.
	creds, err := c.DeriveCreds(ctx, nonce, useServerTime)
	if err != nil || creds.Key == "" {
		creds, err = c.CreateCreds(ctx, nonce, useServerTime)
		if err != nil {
			return Creds{}, err
		}
	}
	if creds.Key == "" || creds.Secret == "" || creds.Passphrase == "" {
		return Creds{}, fmt.Errorf("venue returned incomplete api creds")
	}
	c.SetCreds(creds)
	return creds, nil
}

func (c *Client) CreateCreds(ctx context.Context, nonce uint64, useServerTime bool) (Creds, error) {
	ts, err := c.authTimestamp(ctx, useServerTime)
	if err != nil {
		return Creds{}, err
	}
	headers, err := c.l1Headers(ts, nonce)
	if err != nil {
		return Creds{}, err
	}
	var resp credsRaw
	if err := c.doJSON(ctx, http.MethodPost, "/auth/api-key", nil, headers, &resp); err != nil {
		return Creds{}, err
	}
	return Creds{Key: resp.APIKey, Secret: resp.Secret, Passphrase: resp.Passphrase}, nil
}

func (c *Client) DeriveCreds(ctx context.Context, nonce uint64, useServerTime bool) (Creds, error) {
	ts, err := c.authTimestamp(ctx, useServerTime)
	if err != nil {
		return Creds{}, err
	}
	headers, err := c.l1Headers(ts, nonce)
	if err != nil {
		return Creds{}, err
	}
	var resp credsRaw
	if err := c.doJSON(ctx, http.MethodGet, "/auth/derive-api-key", nil, headers, &resp); err != nil {
		return Creds{}, err
	}
	return Creds{Key: resp.APIKey, Secret: resp.Secret, Passphrase: resp.Passphrase}, nil
}

// authTimestamp picks the signing clock. Server time costs a round trip, so
// the hot path always passes useServerTime=false.
func (c *Client) authTimestamp(ctx context.Context, useServerTime bool) (int64, error) {
	if !useServerTime {
		return nowUnixSeconds(), nil
	}
	return c.GetServerTime(ctx)
}

func nowUnixSeconds() int64 { return time.Now().Unix() }

func (c *Client) l1Headers(timestamp int64, nonce uint64) (http.Header, error) {
	sig, err := buildClobEip712Signature(c.privateKey, c.signer, c.chainID, timestamp, nonce)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("POLY_ADDRESS", c.signer.Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	h.Set("POLY_NONCE", strconv.FormatUint(nonce, 10))
	return h, nil
}

// L2Headers builds the HMAC-authenticated header set for one request. It is
// exported so the submit hot path can be profiled end to end, header stamping
// included.
func (c *Client) L2Headers(timestamp int64, method, requestPath string, body []byte) (http.Header, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds == nil {
		return nil, fmt.Errorf("api creds not set")
	}
	sig, err := buildPolyHmacSignature(creds.Secret, timestamp, method, requestPath, body)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("POLY_ADDRESS", c.signer.Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	h.Set("POLY_API_KEY", creds.Key)
	h.Set("POLY_PASSPHRASE", creds.Passphrase)
	return h, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, headers http.Header, out any) error {
	_, err := c.doJSONBody(ctx, method, path, params, headers, nil, out)
	return err
}

// doJSONBody performs one request and decodes the JSON response. The raw
// body is returned even on error so callers can classify venue rejections.
func (c *Client) doJSONBody(ctx context.Context, method, path string, params url.Values, headers http.Header, body []byte, out any) ([]byte, error) {
	u := c.host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return b, fmt.Errorf("clob %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return b, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return b, fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return b, nil
}
