package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// BearerConfig configures RS256 bearer-token verification against a JWKS
// endpoint.
type BearerConfig struct {
	JWKSURL            string
	Issuer             string
	Audience           string
	ClockSkew          time.Duration
	RefreshInterval    time.Duration
	MinRefreshInterval time.Duration
	HTTPTimeout        time.Duration
}

// BearerVerifier verifies RS256 JWTs using public-key material fetched from
// the JWKS endpoint and cached in memory. The key set is refreshed
// periodically and on unknown kid; fetch failures back off exponentially.
type BearerVerifier struct {
	cfg    BearerConfig
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	keysByKID   map[string]*rsa.PublicKey
	lastRefresh time.Time
	backoff     time.Duration
	nextTry     time.Time
	refreshing  bool
	refreshDone chan struct{}
}

func NewBearerVerifier(cfg BearerConfig) *BearerVerifier {
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = 30 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	return &BearerVerifier{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		now:       time.Now,
		keysByKID: map[string]*rsa.PublicKey{},
	}
}

// Verify checks the token's RS256 signature and claims and returns the
// authenticated subject.
func (v *BearerVerifier) Verify(ctx context.Context, token string) (string, error) {
	header, claims, signingInput, sig, err := splitToken(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	if header.Alg != "RS256" || header.Kid == "" {
		return "", ErrUnauthorized
	}

	if err := v.maybeRefresh(ctx, header.Kid); err != nil {
		return "", ErrUnauthorized
	}

	v.mu.Lock()
	pub := v.keysByKID[header.Kid]
	v.mu.Unlock()
	if pub == nil {
		return "", ErrUnauthorized
	}

	sum := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return "", ErrUnauthorized
	}
	if err := v.checkClaims(claims); err != nil {
		return "", ErrUnauthorized
	}
	if claims.Sub == "" {
		return "", ErrUnauthorized
	}
	return claims.Sub, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type tokenClaims struct {
	Iss string          `json:"iss"`
	Sub string          `json:"sub"`
	Aud json.RawMessage `json:"aud"`
	Exp *int64          `json:"exp"`
	Nbf *int64          `json:"nbf"`
}

func (v *BearerVerifier) checkClaims(c tokenClaims) error {
	now := v.now()
	skew := v.cfg.ClockSkew

	if v.cfg.Issuer != "" && c.Iss != v.cfg.Issuer {
		return fmt.Errorf("iss mismatch")
	}
	if v.cfg.Audience != "" && !audienceMatches(c.Aud, v.cfg.Audience) {
		return fmt.Errorf("aud mismatch")
	}
	if c.Exp == nil {
		return fmt.Errorf("missing exp")
	}
	if now.After(time.Unix(*c.Exp, 0).Add(skew)) {
		return fmt.Errorf("token expired")
	}
	if c.Nbf != nil && now.Before(time.Unix(*c.Nbf, 0).Add(-skew)) {
		return fmt.Errorf("token not yet valid")
	}
	return nil
}

func (v *BearerVerifier) maybeRefresh(ctx context.Context, kid string) error {
	now := v.now()

	v.mu.Lock()
	intervalDue := !v.lastRefresh.IsZero() && now.Sub(v.lastRefresh) >= v.cfg.RefreshInterval
	unknownKid := v.keysByKID[kid] == nil
	unknownKidAllowed := v.lastRefresh.IsZero() || now.Sub(v.lastRefresh) >= v.cfg.MinRefreshInterval
	should := intervalDue || (unknownKid && unknownKidAllowed)
	if should && now.Before(v.nextTry) {
		should = false
	}
	if !should {
		v.mu.Unlock()
		return nil
	}

	// Deduplicate concurrent refresh attempts.
	if v.refreshing {
		done := v.refreshDone
		v.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	v.refreshing = true
	v.refreshDone = make(chan struct{})
	done := v.refreshDone
	v.mu.Unlock()

	err := v.fetchKeys(ctx)

	v.mu.Lock()
	v.refreshing = false
	if err != nil {
		if v.backoff == 0 {
			v.backoff = initialBackoff
		} else {
			v.backoff *= 2
			if v.backoff > maxBackoff {
				v.backoff = maxBackoff
			}
		}
		v.nextTry = v.now().Add(v.backoff)
	} else {
		v.backoff = 0
		v.nextTry = time.Time{}
	}
	close(done)
	v.mu.Unlock()

	return err
}

func (v *BearerVerifier) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("jwks fetch failed: status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	keys, err := parseKeySet(body)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.keysByKID = keys
	v.lastRefresh = v.now()
	v.mu.Unlock()
	return nil
}

func splitToken(token string) (tokenHeader, tokenClaims, string, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenHeader{}, tokenClaims{}, "", nil, fmt.Errorf("bad jwt parts")
	}
	headerB, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenHeader{}, tokenClaims{}, "", nil, err
	}
	claimsB, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenHeader{}, tokenClaims{}, "", nil, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenHeader{}, tokenClaims{}, "", nil, err
	}
	var h tokenHeader
	if err := json.Unmarshal(headerB, &h); err != nil {
		return tokenHeader{}, tokenClaims{}, "", nil, err
	}
	var c tokenClaims
	if err := json.Unmarshal(claimsB, &c); err != nil {
		return tokenHeader{}, tokenClaims{}, "", nil, err
	}
	return h, c, parts[0] + "." + parts[1], sig, nil
}

func audienceMatches(raw json.RawMessage, expected string) bool {
	if len(raw) == 0 {
		return false
	}
	// aud can be a string or an array of strings.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == expected
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, a := range arr {
			if a == expected {
				return true
			}
		}
	}
	return false
}

type keySet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func parseKeySet(b []byte) (map[string]*rsa.PublicKey, error) {
	var set keySet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, err
	}
	out := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" || k.N == "" || k.E == "" {
			continue
		}
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := new(big.Int).SetBytes(eb).Int64()
		if e <= 0 || e > int64(^uint(0)>>1) {
			return nil, fmt.Errorf("invalid jwk exponent")
		}
		out[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nb),
			E: int(e),
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable jwks keys")
	}
	return out, nil
}
