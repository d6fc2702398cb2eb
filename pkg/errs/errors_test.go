package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Unknown, "UNKNOWN"},
		{Throttling, "THROTTLING"},
		{DeviceMessageLockLost, "DEVICE_MESSAGE_LOCK_LOST"},
		{LinkDetached, "LINK_DETACHED"},
		{Kind(200), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestKindsAreNamed(t *testing.T) {
	kinds := Kinds()
	assert.Len(t, kinds, int(kindCount))
	for _, k := range kinds {
		assert.NotEmpty(t, kindNames[k], "kind %d has no name", k)
	}
}

func TestErrorIs(t *testing.T) {
	err := New(Throttling, "slow down")

	assert.True(t, errors.Is(err, Throttling))
	assert.False(t, errors.Is(err, Timeout))

	wrapped := fmt.Errorf("send: %w", err)
	assert.True(t, errors.Is(wrapped, Throttling))
	assert.Equal(t, Throttling, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, Throttling))
	assert.False(t, IsKind(nil, Unknown))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "TIMEOUT: no reply", New(Timeout, "no reply").Error())
	assert.Equal(t, "NOT_CONNECTED: EOF", Wrap(NotConnected, io.EOF, "").Error())
	assert.Equal(t, "UNAUTHORIZED", (&Error{Kind: Unauthorized}).Error())
}

func TestTranslateConditions(t *testing.T) {
	tests := []struct {
		condition string
		want      Kind
	}{
		{CondNotFound, DeviceNotFound},
		{CondUnauthorizedAccess, Unauthorized},
		{CondInternalError, InternalServerError},
		{CondMessageLockLost, DeviceMessageLockLost},
		{CondDeviceThrottled, Throttling},
		{CondIotHubSuspended, IotHubSuspended},
		{CondLinkDetachForced, LinkDetached},
		{CondConnectionForced, NotConnected},
		{CondLinkMessageSize, MessageTooLarge},
		{"vendor:something-new", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			native := &RemoteError{Condition: tt.condition, Description: "details"}
			err := Translate(native)

			var classified *Error
			require.True(t, errors.As(err, &classified))
			assert.Equal(t, tt.want, classified.Kind)
			assert.Equal(t, tt.condition, classified.Condition)
			assert.Equal(t, "details", classified.Message)

			var remote *RemoteError
			require.True(t, errors.As(err, &remote), "native error must stay reachable")
			assert.Same(t, native, remote)
		})
	}
}

func TestTranslatePlainErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"cancelled", context.Canceled, OperationCancelled},
		{"eof", io.EOF, NotConnected},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, NotConnected},
		{"dns", &net.DNSError{Name: "hub.example", Err: "no such host"}, NotConnected},
		{"other", errors.New("boom"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Translate(tt.err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestTranslatePassThrough(t *testing.T) {
	assert.NoError(t, Translate(nil))

	orig := New(Timeout, "x")
	assert.Same(t, orig, Translate(orig))
}
