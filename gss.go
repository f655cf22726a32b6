package tlmx

import (
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/palantir/stacktrace"
)

// GssContext produces 'Negotiate' tokens for parents that accept GSS
// instead of NTLM. The client comes from the credential cache when one is
// present, so a kinit'ed session just works.
type GssContext struct {
	mu     sync.Mutex
	client *client.Client
}

// NewGssContext builds the Kerberos client once at startup.
func NewGssContext(creds *Credentials, password string) (*GssContext, error) {
	cfg, err := config.Load(krb5ConfPath())
	if err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcConfig, "unable to load krb5 configuration")
	}
	if ccpath := ccachePath(); ccpath != "" {
		cc, err := credentials.LoadCCache(ccpath)
		if err == nil {
			cl, err := client.NewFromCCache(cc, cfg, client.DisablePAFXFAST(true))
			if err == nil {
				logInfo("[-] Using cached credential for GSS auth")
				return &GssContext{client: cl}, nil
			}
			logWarn("Credential cache unusable, falling back to password: %v", err)
		}
	}
	if password == "" {
		return nil, stacktrace.NewErrorWithCode(EcConfig, "GSS auth needs a credential cache or a password")
	}
	logInfo("[-] Authenticating user '%s' on realm '%s'", creds.User, creds.Domain)
	cl := client.NewWithPassword(creds.User, creds.Domain, password, cfg, client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcAuthFailed, "Kerberos login failed for %s@%s", creds.User, creds.Domain)
	}
	return &GssContext{client: cl}, nil
}

// Negotiate returns the Proxy-Authorization value for the given parent.
func (g *GssContext) Negotiate(proxyHost string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cl := spnego.SPNEGOClient(g.client, "HTTP/"+proxyHost)
	if err := cl.AcquireCred(); err != nil {
		return "", stacktrace.PropagateWithCode(err, EcAuthFailed, "unable to acquire Kerberos credential for %s", proxyHost)
	}
	token, err := cl.InitSecContext()
	if err != nil {
		return "", stacktrace.PropagateWithCode(err, EcAuthFailed, "unable to initialize security context for %s", proxyHost)
	}
	raw, err := token.Marshal()
	if err != nil {
		return "", stacktrace.PropagateWithCode(err, EcAuthFailed, "unable to marshal SPNEGO token")
	}
	return "Negotiate " + base64.StdEncoding.EncodeToString(raw), nil
}

func ccachePath() string {
	path := os.Getenv("KRB5CCNAME")
	path = strings.TrimPrefix(path, "FILE:")
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func krb5ConfPath() string {
	if path := os.Getenv("KRB5_CONFIG"); path != "" {
		return path
	}
	return "/etc/krb5.conf"
}
