package bitbank

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbank-trader/internal/config"
)

// hmacSigner implements Signer using Bitbank's ACCESS-KEY/ACCESS-NONCE/
// ACCESS-SIGNATURE scheme: signature = HMAC_SHA256(secret, nonce + path[?query])
// for GET requests and HMAC_SHA256(secret, nonce + body) for other methods.
type hmacSigner struct {
	apiKey    string
	secretKey string
	nowFunc   func() time.Time
}

func newHMACSigner(apiKey, secretKey config.Secret) *hmacSigner {
	return &hmacSigner{apiKey: string(apiKey), secretKey: string(secretKey), nowFunc: time.Now}
}

func (s *hmacSigner) SignRequest(req *http.Request, body []byte) error {
	nonce := strconv.FormatInt(s.nowFunc().UnixMilli(), 10)

	var message string
	if req.Method == http.MethodGet {
		message = nonce + req.URL.Path
		if req.URL.RawQuery != "" {
			message += "?" + req.URL.RawQuery
		}
	} else {
		message = nonce + string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	if _, err := mac.Write([]byte(message)); err != nil {
		return fmt.Errorf("hmac write: %w", err)
	}
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", s.apiKey)
	req.Header.Set("ACCESS-NONCE", nonce)
	req.Header.Set("ACCESS-SIGNATURE", signature)
	return nil
}
