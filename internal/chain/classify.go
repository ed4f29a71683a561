// Package chain wraps every contract call behind a retrying gateway with a
// fixed failure taxonomy, keeping the rest of the engine decoupled from any
// particular node or SDK error type.
package chain

import (
	"strings"

	"github.com/updownlive/updown-engine/internal/domain"
)

// classifyRule pairs a failure-text predicate with the taxonomy type it maps
// to. Rules are evaluated in order; the first match wins.
type classifyRule struct {
	match func(string) bool
	typ   domain.ChainErrorType
}

func containsAny(needles ...string) func(string) bool {
	return func(msg string) bool {
		for _, n := range needles {
			if strings.Contains(msg, n) {
				return true
			}
		}
		return false
	}
}

// classifyRules is the ordered predicate list over the lowercased failure
// message. String matching is deliberately crude: it keeps the gateway
// independent of the node client's error types, and the fixed order makes
// the mapping deterministic. Change the order and you change the contract.
var classifyRules = []classifyRule{
	{containsAny("timeout", "timed out", "deadline exceeded", "connection refused",
		"connection reset", "network", "eof", "temporarily unavailable", "econnrefused",
		"no such host", "broken pipe", "too many requests", "service unavailable"), domain.ChainErrTransient},
	{containsAny("insufficient funds", "insufficient balance", "balance too low",
		"exceeds balance", "not enough funds"), domain.ChainErrInsufficientFunds},
	{containsAny("already", "execution reverted", "revert", "nonce too low",
		"replacement transaction underpriced", "contract"), domain.ChainErrContract},
	{containsAny("invalid", "validation", "malformed", "out of range"), domain.ChainErrValidation},
}

// Classify maps a raw failure message to a ChainErrorType using the ordered
// predicate list above. Unmatched messages are UNKNOWN and not retryable.
func Classify(msg string) domain.ChainErrorType {
	lower := strings.ToLower(msg)
	for _, rule := range classifyRules {
		if rule.match(lower) {
			return rule.typ
		}
	}
	return domain.ChainErrUnknown
}

// classifyErr wraps err into a ChainError, preserving an existing
// *domain.ChainError unchanged so contract implementations can pre-classify
// failures they understand better than the string matcher does.
func classifyErr(err error) *domain.ChainError {
	if ce, ok := err.(*domain.ChainError); ok {
		return ce
	}
	return domain.NewChainError(Classify(err.Error()), err.Error())
}
