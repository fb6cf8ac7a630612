package worker

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"os"
	"strings"
)

// temporaryPatterns are substrings of relay errors that clear on retry.
var temporaryPatterns = []string{
	"421",
	"450",
	"451",
	"452",
	"timeout",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"try again",
	"throttl",
}

// permanentPatterns are substrings of relay errors that no retry fixes,
// mostly TLS misconfiguration and bad credentials.
var permanentPatterns = []string{
	"wrong_version_number",
	"certificate verify failed",
	"failed to verify certificate",
	"x509:",
	"ssl handshake",
	"tls: handshake",
	"certificate_unknown",
	"unknown_ca",
	"certificate has expired",
	"self signed certificate",
	"authentication failed",
	"auth",
	"535",
	"534",
	"530",
}

// classifySendError decides whether a failed send may succeed on a
// later attempt and surfaces the SMTP reply code when the error chain
// carries a typed one. Network conditions and 4xx replies retry; 5xx
// replies, TLS and credential failures do not. Unknown errors default
// to retryable. Only typed reply codes decide by number; codes that
// appear merely as text go through the pattern lists, since digits in
// an error string are as likely a port as a reply. Temporary patterns
// are checked before permanent ones so that, for example, a throttling
// notice that mentions auth still retries.
func classifySendError(err error) (temporary bool, code int) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code = tpErr.Code
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true, code
	}

	if code >= 400 && code < 500 {
		return true, code
	}
	if code >= 500 && code < 600 {
		return false, code
	}

	msg := strings.ToLower(err.Error())
	for _, p := range temporaryPatterns {
		if strings.Contains(msg, p) {
			return true, code
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false, code
		}
	}

	return true, code
}

// retryDelay returns the pause before attempt retryCount+1, clamping to
// the last rung of the ladder once attempts outrun it.
func retryDelay(retryCount int, delays []int) int {
	if len(delays) == 0 {
		return 0
	}
	if retryCount >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[retryCount]
}
