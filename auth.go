package tlmx

import (
	"strings"

	"github.com/palantir/stacktrace"
)

// Credentials carries everything needed to answer a parent challenge.
// Built once at startup and shared read-only across workers; the
// NTLM-to-basic bridge derives throwaway copies per request.
type Credentials struct {
	User        string
	Domain      string
	Workstation string

	PassLM     [16]byte
	PassNT     [16]byte
	PassNTLMv2 [16]byte

	// hash selection: HashNT 0=off 1=NT 2=NTLM2 session response
	HashNT     int
	HashLM     bool
	HashNTLMv2 bool

	// raw negotiate flags override (already host order), 0 = computed
	Flags uint32

	// GSS/Kerberos Negotiate instead of NTLM
	HasKrb bool
}

// authModes maps the -a argument to a hash selection.
var authModes = map[string]func(*Credentials){
	"ntlm":    func(c *Credentials) { c.HashNT = 1; c.HashLM = true; c.HashNTLMv2 = false },
	"nt":      func(c *Credentials) { c.HashNT = 1; c.HashLM = false; c.HashNTLMv2 = false },
	"lm":      func(c *Credentials) { c.HashNT = 0; c.HashLM = true; c.HashNTLMv2 = false },
	"ntlmv2":  func(c *Credentials) { c.HashNT = 0; c.HashLM = false; c.HashNTLMv2 = true },
	"ntlm2sr": func(c *Credentials) { c.HashNT = 2; c.HashLM = false; c.HashNTLMv2 = false },
	"gss":     func(c *Credentials) { c.HashNT = 0; c.HashLM = false; c.HashNTLMv2 = false; c.HasKrb = true },
}

// NewCredentials builds the startup credential handle from the validated
// configuration. A plaintext password is hashed into the slots and the
// config copy blanked afterwards.
func NewCredentials(conf *Config) (*Credentials, error) {
	creds := &Credentials{
		User:        conf.Username,
		Domain:      strings.ToUpper(conf.Domain),
		Workstation: conf.Workstation,
		Flags:       conf.Flags,
	}
	mode := strings.ToLower(conf.Auth)
	if mode == "" {
		mode = "ntlm"
	}
	apply, ok := authModes[mode]
	if !ok {
		return nil, stacktrace.NewErrorWithCode(EcConfig, "unknown auth combination %q (ntlm, nt, lm, ntlmv2, ntlm2sr, gss)", conf.Auth)
	}
	apply(creds)

	if conf.Password != "" {
		creds.hashPassword(conf.Password)
		conf.Password = ""
		return creds, nil
	}
	var err error
	if conf.PassNT != "" {
		err = fillHash(creds.PassNT[:], conf.PassNT)
		if err != nil {
			return nil, stacktrace.Propagate(err, "invalid PassNT")
		}
	}
	if conf.PassLM != "" {
		err = fillHash(creds.PassLM[:], conf.PassLM)
		if err != nil {
			return nil, stacktrace.Propagate(err, "invalid PassLM")
		}
	}
	if conf.PassNTLMv2 != "" {
		err = fillHash(creds.PassNTLMv2[:], conf.PassNTLMv2)
		if err != nil {
			return nil, stacktrace.Propagate(err, "invalid PassNTLMv2")
		}
	}
	return creds, nil
}

// hashPassword fills every slot; the NTLMv2 key depends on user and
// domain, so it is only usable for the identity it was derived for.
func (c *Credentials) hashPassword(password string) {
	copy(c.PassNT[:], ntHash(password))
	copy(c.PassLM[:], lmHash(password))
	copy(c.PassNTLMv2[:], ntlmv2Hash(c.PassNT[:], c.User, c.Domain))
}

// withBasic derives per-request credentials from an NTLM-to-basic pair,
// keeping the global hash selection and workstation.
func (c *Credentials) withBasic(user, password string) *Credentials {
	derived := *c
	derived.User, derived.Domain = splitUsername(user)
	if derived.Domain == "" {
		derived.Domain = c.Domain
	}
	derived.hashPassword(password)
	return &derived
}

// complete reports whether every selected hash slot is populated.
func (c *Credentials) complete() bool {
	if c.HasKrb {
		return true
	}
	if c.HashNT > 0 && allZero(c.PassNT[:]) {
		return false
	}
	if c.HashLM && allZero(c.PassLM[:]) {
		return false
	}
	if c.HashNTLMv2 && allZero(c.PassNTLMv2[:]) {
		return false
	}
	return true
}

func fillHash(dst []byte, hexval string) error {
	b, err := parseHash(hexval, len(dst))
	if err != nil {
		return err // no wrap
	}
	copy(dst, b)
	return nil
}

// printHashes emits config file lines for the current hash slots, the -H
// helper an operator uses to avoid keeping plaintext around.
func (c *Credentials) printHashes() {
	if !allZero(c.PassLM[:]) {
		logPrintf("PassLM          %s\n", printMem(c.PassLM[:]))
	}
	if !allZero(c.PassNT[:]) {
		logPrintf("PassNT          %s\n", printMem(c.PassNT[:]))
	}
	if !allZero(c.PassNTLMv2[:]) {
		logPrintf("PassNTLMv2      %s    # Only for user '%s', domain '%s'\n", printMem(c.PassNTLMv2[:]), c.User, c.Domain)
	}
}
