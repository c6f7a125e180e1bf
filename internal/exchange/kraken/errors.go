package kraken

import (
	"errors"
	"strings"

	"kraken-manager/internal/core"
)

// Kraken reports failures as "E<Category>:<Message>" strings.
var apiErrorMessageKinds = map[string]error{
	"eapi:invalid nonce":               core.ErrStaleNonce,
	"eapi:rate limit exceeded":         core.ErrRateLimited,
	"eorder:rate limit exceeded":       core.ErrRateLimited,
	"egeneral:temporary lockout":       core.ErrRateLimited,
	"eservice:unavailable":             core.ErrServerUnavailable,
	"eservice:busy":                    core.ErrServerUnavailable,
	"eservice:deadline elapsed":        core.ErrServerUnavailable,
	"eorder:insufficient funds":        core.ErrInsufficientBalance,
	"efunding:insufficient funds":      core.ErrInsufficientBalance,
	"eorder:unknown order":             core.ErrOrderNotFound,
	"eorder:invalid order":             core.ErrOrderRejected,
	"equery:unknown asset pair":        core.ErrUnknownSymbol,
	"equery:unknown asset":             core.ErrUnknownSymbol,
	"eorder:order minimum not met":     core.ErrOrderRejected,
	"eorder:cost minimum not met":      core.ErrOrderRejected,
	"egeneral:invalid arguments":       core.ErrOrderRejected,
	"eorder:tick size check failed":    core.ErrOrderRejected,
	"eorder:orders limit exceeded":     core.ErrOrderRejected,
	"eorder:positions limit exceeded":  core.ErrOrderRejected,
	"eorder:margin allowance exceeded": core.ErrInsufficientBalance,
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	errChain := make([]error, 0, 2+len(kinds))
	errChain = append(errChain, apiErr, core.ErrExchange)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	for _, msg := range apiErr.Messages {
		normalizedMsg := normalizeAPIErrorMsg(msg)
		if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
			kinds = appendErrorKind(kinds, kind)
			continue
		}
		// Kraken sometimes appends detail after the message, e.g. "EGeneral:Invalid arguments:volume".
		matched := false
		for prefix, kind := range apiErrorMessageKinds {
			if strings.HasPrefix(normalizedMsg, prefix+":") {
				kinds = appendErrorKind(kinds, kind)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		switch {
		case strings.Contains(normalizedMsg, "invalid nonce"):
			kinds = appendErrorKind(kinds, core.ErrStaleNonce)
		case strings.Contains(normalizedMsg, "rate limit exceeded"):
			kinds = appendErrorKind(kinds, core.ErrRateLimited)
		case strings.HasPrefix(normalizedMsg, "eorder:"):
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		}
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

// HasMessage reports whether err carries an exchange message with the given
// prefix, compared case-insensitively.
func HasMessage(err error, prefix string) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	prefix = normalizeAPIErrorMsg(prefix)
	for _, msg := range apiErr.Messages {
		if strings.HasPrefix(normalizeAPIErrorMsg(msg), prefix) {
			return true
		}
	}
	return false
}
