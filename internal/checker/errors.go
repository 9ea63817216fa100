package checker

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// failureKind partitions navigation failures for retry decisions.
type failureKind int

const (
	kindNetwork failureKind = iota + 1
	kindTimeout
	kindTLS
	kindPermanent
)

// errPermanent marks failures no retry can fix.
type errPermanent struct {
	reason string
}

func (e errPermanent) Error() string { return e.reason }

func failureReason(err error) string {
	var perm errPermanent
	if errors.As(err, &perm) {
		return perm.reason
	}
	return err.Error()
}

// classifyNavError maps a navigation error to its failure kind. Chromedp
// surfaces network-stack failures as net:: error strings, so text matching
// is part of the contract here.
func classifyNavError(err error) failureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kindTimeout
	}
	var certErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) {
		return kindTLS
	}
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "ERR_TIMED_OUT") || strings.Contains(msg, "ERR_CONNECTION_TIMED_OUT"):
		return kindTimeout
	case strings.Contains(msg, "ERR_CERT_") || strings.Contains(msg, "ERR_SSL_") || strings.Contains(msg, "SSL"):
		return kindTLS
	default:
		return kindNetwork
	}
}
