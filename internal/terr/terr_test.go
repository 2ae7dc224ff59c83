package terr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(KindAuth, "bad key")
	assert.True(t, Is(err, KindAuth))
	assert.False(t, Is(err, KindProtocol))
	assert.False(t, Is(errors.New("plain"), KindAuth))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransport, cause, "dial %s", "example.com:443")

	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "dial example.com:443")
	assert.ErrorIs(t, err, cause)
}

func TestBindCarriesSubKind(t *testing.T) {
	err := Bind(BindAddrInUse, errors.New("listen tcp :8080: bind: address already in use"), "bind proxy %s", "web")
	assert.True(t, Is(err, KindBind))
	assert.Equal(t, BindAddrInUse, err.Bind)
}

func TestClassifyBindError(t *testing.T) {
	cases := []struct {
		err  error
		want BindSubKind
	}{
		{fmt.Errorf("listen tcp :80: bind: address already in use"), BindAddrInUse},
		{fmt.Errorf("listen tcp :80: bind: permission denied"), BindPermissionDenied},
		{fmt.Errorf("listen tcp: unknown network"), BindOther},
		{nil, BindOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyBindError(c.err))
	}
}
