// Package gamma resolves market slugs against the Gamma markets API. The
// trading path only needs it at startup, when the config names a slug
// instead of an explicit token pair.
package gamma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultURL = "https://gamma-api.polymarket.com"

// DefaultUserAgent mimics a browser UA to avoid Cloudflare 403s.
const DefaultUserAgent = "Mozilla/5.0"

type Client struct {
	host       string
	httpClient *http.Client
	userAgent  string
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultURL
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("gamma url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("gamma url must be http(s), got %q", host)
	}

	return &Client{
		host: host,
		httpClient: &http.Client{
			Timeout: 12 * time.Second,
		},
		userAgent: DefaultUserAgent,
	}, nil
}

type stringList []string

// Gamma returns list fields either as JSON arrays or as JSON strings that
// themselves contain a JSON array. Both clobTokenIds and outcomes do this.
func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}

	if b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*s = nil
			return nil
		}
		var vals []string
		if err := json.Unmarshal([]byte(raw), &vals); err != nil {
			return err
		}
		*s = vals
		return nil
	}

	var vals []string
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	*s = vals
	return nil
}

type market struct {
	Slug         string     `json:"slug"`
	Question     string     `json:"question"`
	ConditionID  string     `json:"conditionId"`
	Outcomes     stringList `json:"outcomes"`
	ClobTokenIDs stringList `json:"clobTokenIds"`
	NegRisk      bool       `json:"negRisk"`
	Closed       bool       `json:"closed"`
}

// ResolvedMarket is the startup identity of one binary market: the token
// pair orders trade against, the condition id redemption needs, and the
// neg-risk flag that selects the exchange contract.
type ResolvedMarket struct {
	Slug        string
	Question    string
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	Outcomes    []string
	NegRisk     bool
	Closed      bool
}

// ResolveMarket looks a market slug up and maps its token pair onto
// YES/NO. Tokens arrive ordered by outcome; when the outcome labels are
// recognizable the mapping follows them, otherwise it is positional.
func (c *Client) ResolveMarket(ctx context.Context, slug string) (ResolvedMarket, error) {
	if c == nil {
		return ResolvedMarket{}, fmt.Errorf("gamma client nil")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ResolvedMarket{}, fmt.Errorf("market slug required")
	}

	q := url.Values{}
	q.Set("slug", slug)
	endpoint := c.host + "/markets?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ResolvedMarket{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ResolvedMarket{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		return ResolvedMarket{}, fmt.Errorf("gamma %s: status=%d body=%q", endpoint, resp.StatusCode, body)
	}

	var markets []market
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&markets); err != nil {
		return ResolvedMarket{}, fmt.Errorf("gamma decode: %w", err)
	}
	if len(markets) == 0 {
		return ResolvedMarket{}, fmt.Errorf("gamma: no market for slug %q", slug)
	}

	// Prefer an exact slug match, else take the first result.
	chosen := &markets[0]
	for i := range markets {
		if strings.TrimSpace(markets[i].Slug) == slug {
			chosen = &markets[i]
			break
		}
	}

	ids := make([]string, 0, len(chosen.ClobTokenIDs))
	for _, id := range chosen.ClobTokenIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) != 2 {
		return ResolvedMarket{}, fmt.Errorf("gamma: expected 2 clobTokenIds for %q, got %d", slug, len(ids))
	}

	yes, no := ids[0], ids[1]
	if len(chosen.Outcomes) == 2 && strings.EqualFold(strings.TrimSpace(chosen.Outcomes[0]), "no") {
		yes, no = no, yes
	}

	return ResolvedMarket{
		Slug:        slug,
		Question:    strings.TrimSpace(chosen.Question),
		ConditionID: strings.TrimSpace(chosen.ConditionID),
		YesTokenID:  yes,
		NoTokenID:   no,
		Outcomes:    append([]string(nil), chosen.Outcomes...),
		NegRisk:     chosen.NegRisk,
		Closed:      chosen.Closed,
	}, nil
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}
