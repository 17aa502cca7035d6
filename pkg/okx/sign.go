package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// isoTimestamp renders a unix-millisecond time as the ISO-8601 form OKX
// expects in OK-ACCESS-TIMESTAMP: 2006-01-02T15:04:05.000Z.
func isoTimestamp(unixMs int64) string {
	return time.UnixMilli(unixMs).UTC().Format("2006-01-02T15:04:05.000Z")
}

// sign computes base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
