package tlmx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentialsHashesPassword(t *testing.T) {
	conf := &Config{Auth: "ntlm", Username: "User", Domain: "domain", Password: "SecREt01", Workstation: "ws"}
	creds, err := NewCredentials(conf)
	require.NoError(t, err)
	assert.Equal(t, "DOMAIN", creds.Domain)
	assert.Equal(t, 1, creds.HashNT)
	assert.True(t, creds.HashLM)
	assert.Equal(t, ntHash("SecREt01"), creds.PassNT[:])
	assert.Equal(t, lmHash("SecREt01"), creds.PassLM[:])
	// the plaintext is blanked once hashed
	assert.Empty(t, conf.Password)
	assert.True(t, creds.complete())
}

func TestNewCredentialsModes(t *testing.T) {
	for mode, check := range map[string]func(*testing.T, *Credentials){
		"nt":      func(t *testing.T, c *Credentials) { assert.Equal(t, 1, c.HashNT); assert.False(t, c.HashLM) },
		"lm":      func(t *testing.T, c *Credentials) { assert.Zero(t, c.HashNT); assert.True(t, c.HashLM) },
		"ntlmv2":  func(t *testing.T, c *Credentials) { assert.True(t, c.HashNTLMv2) },
		"ntlm2sr": func(t *testing.T, c *Credentials) { assert.Equal(t, 2, c.HashNT) },
		"gss":     func(t *testing.T, c *Credentials) { assert.True(t, c.HasKrb) },
	} {
		t.Run(mode, func(t *testing.T) {
			creds, err := NewCredentials(&Config{Auth: mode, Username: "u", Password: "p"})
			require.NoError(t, err)
			check(t, creds)
		})
	}
	_, err := NewCredentials(&Config{Auth: "bogus"})
	assert.Error(t, err)
}

func TestNewCredentialsFromHashes(t *testing.T) {
	conf := &Config{
		Auth:       "ntlm",
		Username:   "User",
		PassNT:     "cd06ca7c7e10c99b1d33b7485a2ed808",
		PassLM:     "ff3750bcc2b22412c2265b23734e0dac",
		PassNTLMv2: "04b8e0ba74289cc540826bab1dee63ae",
	}
	creds, err := NewCredentials(conf)
	require.NoError(t, err)
	assert.Equal(t, ntHash("SecREt01"), creds.PassNT[:])
	assert.True(t, creds.complete())

	_, err = NewCredentials(&Config{Auth: "nt", PassNT: "tooshort"})
	assert.Error(t, err)
}

func TestCredentialsIncomplete(t *testing.T) {
	creds, err := NewCredentials(&Config{Auth: "ntlmv2", Username: "u"})
	require.NoError(t, err)
	assert.False(t, creds.complete())
}

func TestWithBasicDerivesPerRequest(t *testing.T) {
	global, err := NewCredentials(&Config{Auth: "ntlmv2", Username: "u", Domain: "CORP", Password: "x", Workstation: "ws"})
	require.NoError(t, err)

	derived := global.withBasic(`OTHER\alice`, "alicepass")
	assert.Equal(t, "alice", derived.User)
	assert.Equal(t, "OTHER", derived.Domain)
	assert.Equal(t, "ws", derived.Workstation)
	assert.True(t, derived.HashNTLMv2)
	assert.Equal(t, ntHash("alicepass"), derived.PassNT[:])

	// no domain in the pair inherits the global one
	inherited := global.withBasic("bob", "pw")
	assert.Equal(t, "CORP", inherited.Domain)

	// the global handle is untouched
	assert.Equal(t, "u", global.User)
}
