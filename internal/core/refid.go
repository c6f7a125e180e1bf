package core

import (
	"strings"

	"github.com/google/uuid"
)

const (
	refSeparator = "|"
	// TempPrefix marks locally generated order ids awaiting exchange confirmation.
	TempPrefix = "tmp"
)

// RefID composes the globally unique key "<exchange>|<native-id>".
func RefID(exchange, nativeID string) string {
	return exchange + refSeparator + nativeID
}

// NativeID returns the part after the separator, or the input when it carries none.
func NativeID(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, refSeparator); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// NormalizeOrderID rewrites a bare native id or a tmp| placeholder into the
// exchange-qualified form.
func NormalizeOrderID(exchange, orderID string) string {
	native := NativeID(orderID)
	if native == "" {
		return ""
	}
	return RefID(exchange, native)
}

// IsTempOrderID reports whether orderID is a local placeholder.
func IsTempOrderID(orderID string) bool {
	return strings.HasPrefix(strings.TrimSpace(orderID), TempPrefix+refSeparator)
}

func NewTempOrderID() string {
	return RefID(TempPrefix, uuid.NewString())
}
