package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"testing"
)

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantTemp bool
		wantCode int
	}{
		{
			name:     "typed 421 retries",
			err:      &textproto.Error{Code: 421, Msg: "service not available"},
			wantTemp: true,
			wantCode: 421,
		},
		{
			name:     "typed 450 retries",
			err:      &textproto.Error{Code: 450, Msg: "mailbox busy"},
			wantTemp: true,
			wantCode: 450,
		},
		{
			name:     "typed 550 does not retry",
			err:      &textproto.Error{Code: 550, Msg: "no such user"},
			wantTemp: false,
			wantCode: 550,
		},
		{
			name:     "typed 535 does not retry",
			err:      &textproto.Error{Code: 535, Msg: "authentication credentials invalid"},
			wantTemp: false,
			wantCode: 535,
		},
		{
			name:     "452 in message text retries via pattern list",
			err:      fmt.Errorf("relay said: 452 too many recipients"),
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "untyped 5xx text defaults to retry",
			err:      fmt.Errorf("smtp error 554 transaction failed"),
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "port number in dial error is not a reply code",
			err:      fmt.Errorf("dial tcp 10.0.0.5:587: no route to host"),
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "deadline retries",
			err:      context.DeadlineExceeded,
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "net timeout retries",
			err:      &net.DNSError{Err: "lookup timed out", IsTimeout: true},
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "connection refused retries",
			err:      errors.New("dial tcp 10.0.0.5:587: connection refused"),
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "certificate failure does not retry",
			err:      errors.New("x509: certificate signed by unknown authority"),
			wantTemp: false,
			wantCode: 0,
		},
		{
			name:     "tls handshake does not retry",
			err:      errors.New("tls: handshake failure"),
			wantTemp: false,
			wantCode: 0,
		},
		{
			name:     "auth failure does not retry",
			err:      errors.New("SASL auth rejected by server"),
			wantTemp: false,
			wantCode: 0,
		},
		{
			name:     "throttle mentioning auth still retries",
			err:      errors.New("throttled: too many auth sessions"),
			wantTemp: true,
			wantCode: 0,
		},
		{
			name:     "unknown defaults to retry",
			err:      errors.New("relay exploded in a novel way"),
			wantTemp: true,
			wantCode: 0,
		},
	}
	for _, tt := range tests {
		temp, code := classifySendError(tt.err)
		if temp != tt.wantTemp {
			t.Errorf("%s: temporary = %v, want %v", tt.name, temp, tt.wantTemp)
		}
		if code != tt.wantCode {
			t.Errorf("%s: code = %d, want %d", tt.name, code, tt.wantCode)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	delays := []int{60, 300, 900, 3600, 7200}

	tests := []struct {
		retryCount int
		want       int
	}{
		{0, 60},
		{1, 300},
		{2, 900},
		{3, 3600},
		{4, 7200},
		{5, 7200},  // past the ladder, clamp to the last rung
		{99, 7200}, // way past
	}
	for _, tt := range tests {
		if got := retryDelay(tt.retryCount, delays); got != tt.want {
			t.Errorf("retryDelay(%d) = %d, want %d", tt.retryCount, got, tt.want)
		}
	}

	if got := retryDelay(3, nil); got != 0 {
		t.Errorf("retryDelay with empty ladder = %d, want 0", got)
	}
}
