package indodax

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"strings"
)

// Param is one key/value pair of a request body. Parameters are carried as an
// ordered slice rather than a map: the TAPI signature is computed over the
// encoded body, so iteration order is part of the wire contract.
type Param struct {
	Key   string
	Value string
}

type Params []Param

func (p Params) Get(key string) string {
	for _, item := range p {
		if item.Key == key {
			return item.Value
		}
	}
	return ""
}

// Encode renders the parameters as application/x-www-form-urlencoded in the
// order supplied by the caller.
func (p Params) Encode() string {
	var b strings.Builder
	for i, item := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(item.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(item.Value))
	}
	return b.String()
}

// Sign computes the lowercase hex HMAC-SHA512 digest of the encoded
// parameters keyed with the account secret. Identical inputs always yield an
// identical signature.
func Sign(secretKey string, params Params) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}
