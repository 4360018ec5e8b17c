package secret_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/secret"
)

func TestRedcapTokenKey(t *testing.T) {
	assert.Equal(t, "REDCAP_TOKEN_TSEPAMO_2", secret.RedcapTokenKey("tsepamo_2"))
	assert.Equal(t, "REDCAP_TOKEN_MY_PROJECT", secret.RedcapTokenKey("my-project"))
}

func TestEnvStore(t *testing.T) {
	t.Setenv("REDCAP_TOKEN_TSEPAMO_1", " abc123 ")
	s := secret.NewEnvStore()

	v, err := s.Get(secret.RedcapTokenKey("tsepamo_1"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)

	v, err = s.Get("REDCAP_TOKEN_UNSET_PROJECT")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRequire(t *testing.T) {
	s := secret.NewMemoryStore(map[string]string{secret.SMTPPasswordKey: "pw"})

	v, err := secret.Require(s, secret.SMTPPasswordKey)
	require.NoError(t, err)
	assert.Equal(t, "pw", v)

	_, err = secret.Require(s, secret.RedcapTokenKey("tsepamo_3"))
	assert.ErrorContains(t, err, "REDCAP_TOKEN_TSEPAMO_3 is not set")

	s.Set("k", "v")
	v, _ = s.Get("k")
	assert.Equal(t, "v", v)
}
