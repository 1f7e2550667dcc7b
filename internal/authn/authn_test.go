package authn

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

type fakeHeaders map[string]string

func (h fakeHeaders) Get(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

func TestWantsAdminRequiresToken(t *testing.T) {
	a := &Authenticator{allowAnonymous: true}
	_, err := a.Authenticate(fakeHeaders{"role": "admin"}, "1.2.3.4:5555")
	assert.Error(t, err)
}

func TestAnonymousAllowedWithoutToken(t *testing.T) {
	a := &Authenticator{allowAnonymous: true}
	p, err := a.Authenticate(fakeHeaders{}, "1.2.3.4:5555")
	assert.NoError(t, err)
	assert.Equal(t, RoleAnonymous, p.Role)
}

func TestAnonymousDisallowedWithoutToken(t *testing.T) {
	a := &Authenticator{allowAnonymous: false}
	_, err := a.Authenticate(fakeHeaders{}, "1.2.3.4:5555")
	assert.Error(t, err)
}

func TestBearerTokenParsing(t *testing.T) {
	h := fakeHeaders{"authorization": "Bearer abc.def.ghi"}
	tok, ok := bearerToken(h)
	assert.True(t, ok)
	assert.Equal(t, "abc.def.ghi", tok)
}

func TestBearerTokenMissing(t *testing.T) {
	_, ok := bearerToken(fakeHeaders{})
	assert.False(t, ok)
}

func TestBearerTokenMalformedPrefix(t *testing.T) {
	_, ok := bearerToken(fakeHeaders{"authorization": "Basic abc"})
	assert.False(t, ok)
}
