package okx

import (
	"errors"
	"fmt"
)

// APIError is a typed exchange failure. Code is the OKX application code
// ("50011", "50015", ...); HTTPStatus is the transport status.
type APIError struct {
	Code       string
	HTTPStatus int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx: code=%s http=%d msg=%s", e.Code, e.HTTPStatus, e.Msg)
}

// Application codes the retry ladder must treat as terminal or special.
const (
	codeRateLimit      = "50011"
	codeAlgoStateReq   = "50015" // "algoId or state required" - terminal
	codeOrderNotExist  = "51603"
	codeAlgoNotExist   = "51293"
	codeCancelComplete = "51402" // already canceled
	codeCancelFilled   = "51401" // canceled orders is already filled
)

// IsAuth reports exchange authentication failures (invalid key, signature,
// passphrase). These must never be retried.
func IsAuth(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	if ae.HTTPStatus == 401 {
		return true
	}
	switch ae.Code {
	case "50100", "50101", "50102", "50103", "50104", "50105", "50111", "50113", "50114":
		return true
	}
	return false
}

// IsRateLimit reports 429 / 50011 responses; callers back off and retry.
func IsRateLimit(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.HTTPStatus == 429 || ae.Code == codeRateLimit
}

// IsNotFound reports "order does not exist" family responses. The monitor
// maps these to canceled.
func IsNotFound(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case codeOrderNotExist, codeAlgoNotExist, codeCancelComplete:
		return true
	}
	return ae.HTTPStatus == 404
}

// IsAlgoStateRequired reports the 50015 "algoId or state required" response.
// It is terminal for the retry ladder; the monitor folds it into canceled.
func IsAlgoStateRequired(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeAlgoStateReq
}

// IsTerminal reports failures the retry ladder must not reattempt:
// authentication, the 50015 algo-state error, and not-found.
func IsTerminal(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	if IsAuth(err) || IsNotFound(err) {
		return true
	}
	return ae.Code == codeAlgoStateReq
}
