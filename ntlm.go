package tlmx

import (
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"

	"github.com/palantir/stacktrace"
	"golang.org/x/crypto/md4"
	"golang.org/x/text/encoding/unicode"
)

// NTLMSSP message signature and types
var ntlmSignature = []byte("NTLMSSP\x00")

const (
	ntlmTypeNegotiate    = 1
	ntlmTypeChallenge    = 2
	ntlmTypeAuthenticate = 3
)

// negotiate flags, wire order is little-endian
const (
	flagNegotiateUnicode     = 0x00000001
	flagNegotiateOEM         = 0x00000002
	flagRequestTarget        = 0x00000004
	flagNegotiateNTLM        = 0x00000200
	flagDomainSupplied       = 0x00001000
	flagWorkstationSupplied  = 0x00002000
	flagNegotiateAlwaysSign  = 0x00008000
	flagNegotiateNTLM2Key    = 0x00080000
	flagNegotiateTargetInfo  = 0x00800000
	flagNegotiateKeyExchange = 0x40000000
)

var lmMagic = []byte("KGS!@#$%")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func toUnicode(s string) []byte {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return b
}

func fromUnicode(b []byte) string {
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// desEncrypt expands a 7-byte key into the 8-byte DES key schedule and
// encrypts one 8-byte block.
func desEncrypt(key7 []byte, block []byte) []byte {
	k := make([]byte, 8)
	k[0] = key7[0]
	k[1] = key7[0]<<7 | key7[1]>>1
	k[2] = key7[1]<<6 | key7[2]>>2
	k[3] = key7[2]<<5 | key7[3]>>3
	k[4] = key7[3]<<4 | key7[4]>>4
	k[5] = key7[4]<<3 | key7[5]>>5
	k[6] = key7[5]<<2 | key7[6]>>6
	k[7] = key7[6] << 1
	cipher, err := des.NewCipher(k)
	if err != nil {
		return make([]byte, 8)
	}
	out := make([]byte, 8)
	cipher.Encrypt(out, block)
	return out
}

// lmHash derives the 16-byte LanManager hash of a password.
func lmHash(password string) []byte {
	padded := make([]byte, 14)
	copy(padded, []byte(strings.ToUpper(password)))
	hash := make([]byte, 0, 16)
	hash = append(hash, desEncrypt(padded[0:7], lmMagic)...)
	hash = append(hash, desEncrypt(padded[7:14], lmMagic)...)
	return hash
}

// ntHash derives the 16-byte NT hash: MD4 over the UTF-16LE password.
func ntHash(password string) []byte {
	h := md4.New()
	h.Write(toUnicode(password))
	return h.Sum(nil)
}

// hashResponse computes the classic 24-byte challenge response: the
// 16-byte hash is zero-padded to 21 bytes and split into three DES keys,
// each encrypting the 8-byte server challenge.
func hashResponse(hash16 []byte, challenge []byte) []byte {
	key := make([]byte, 21)
	copy(key, hash16)
	resp := make([]byte, 0, 24)
	resp = append(resp, desEncrypt(key[0:7], challenge)...)
	resp = append(resp, desEncrypt(key[7:14], challenge)...)
	resp = append(resp, desEncrypt(key[14:21], challenge)...)
	return resp
}

// ntlm2SessionResponse computes the NTLM2 Session Response pair: the LM
// field carries the client nonce padded with zeros, the NT field is the
// classic response over the session hash MD5(challenge + nonce)[0:8].
func ntlm2SessionResponse(ntHash16, challenge, nonce []byte) (lm []byte, nt []byte) {
	lm = make([]byte, 24)
	copy(lm, nonce)
	session := md5.New()
	session.Write(challenge)
	session.Write(nonce)
	nt = hashResponse(ntHash16, session.Sum(nil)[0:8])
	return lm, nt
}

// ntlmv2Hash derives the NTLMv2 key: HMAC-MD5 keyed with the NT hash over
// UTF-16LE(uppercase(user) + domain). The domain keeps its original case.
func ntlmv2Hash(ntHash16 []byte, user, domain string) []byte {
	mac := hmac.New(md5.New, ntHash16)
	mac.Write(toUnicode(strings.ToUpper(user) + domain))
	return mac.Sum(nil)
}

// filetime converts a wall clock instant into a Windows FILETIME value.
func filetime(t time.Time) uint64 {
	return uint64(t.Unix()+11644473600) * 10000000
}

// ntlmv2Blob assembles the variable-length structure appended to the
// NTv2 HMAC: header, FILETIME timestamp, client nonce, target info.
func ntlmv2Blob(targetInfo []byte, nonce []byte, timestamp uint64) []byte {
	blob := make([]byte, 0, 28+len(targetInfo)+4)
	blob = append(blob, 0x01, 0x01, 0x00, 0x00) // blob signature
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // reserved
	blob = binary.LittleEndian.AppendUint64(blob, timestamp)
	blob = append(blob, nonce[:8]...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // unknown
	blob = append(blob, targetInfo...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // trailer
	return blob
}

// ntlmv2Response computes HMAC-MD5(v2key, challenge + blob) + blob.
func ntlmv2Response(v2Hash, challenge, targetInfo, nonce []byte, timestamp uint64) []byte {
	blob := ntlmv2Blob(targetInfo, nonce, timestamp)
	mac := hmac.New(md5.New, v2Hash)
	mac.Write(challenge)
	mac.Write(blob)
	return append(mac.Sum(nil), blob...)
}

// lmv2Response computes HMAC-MD5(v2key, challenge + nonce) + nonce.
func lmv2Response(v2Hash, challenge, nonce []byte) []byte {
	mac := hmac.New(md5.New, v2Hash)
	mac.Write(challenge)
	mac.Write(nonce[:8])
	return append(mac.Sum(nil), nonce[:8]...)
}

func clientNonce() []byte {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return nonce
}

// security buffer descriptor: length, allocated length, payload offset
func appendSecBuf(b []byte, length, offset int) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(length))
	b = binary.LittleEndian.AppendUint16(b, uint16(length))
	return binary.LittleEndian.AppendUint32(b, uint32(offset))
}

func readSecBuf(msg []byte, at int) ([]byte, error) {
	if at+8 > len(msg) {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "NTLM message too short for security buffer at %d", at)
	}
	length := int(binary.LittleEndian.Uint16(msg[at:]))
	offset := int(binary.LittleEndian.Uint32(msg[at+4:]))
	if length == 0 {
		return nil, nil
	}
	if offset+length > len(msg) {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "NTLM security buffer exceeds message: offset=%d length=%d size=%d", offset, length, len(msg))
	}
	return msg[offset : offset+length], nil
}

// negotiateFlags computes the Type-1 flags from the credential
// configuration, unless the operator supplied a raw override.
func negotiateFlags(creds *Credentials) uint32 {
	if creds.Flags != 0 {
		return creds.Flags
	}
	flags := uint32(flagNegotiateUnicode | flagNegotiateOEM | flagRequestTarget | flagNegotiateNTLM | flagNegotiateAlwaysSign)
	if creds.Domain != "" {
		flags |= flagDomainSupplied
	}
	if creds.Workstation != "" {
		flags |= flagWorkstationSupplied
	}
	if creds.HashNT == 2 {
		flags |= flagNegotiateNTLM2Key
	}
	if creds.HashNTLMv2 {
		flags |= flagNegotiateTargetInfo
	}
	return flags
}

// BuildNegotiate serializes the Type-1 message. Domain and workstation
// ride as OEM strings; either may be empty.
func BuildNegotiate(creds *Credentials) []byte {
	domain := strings.ToUpper(creds.Domain)
	workstation := strings.ToUpper(creds.Workstation)
	offset := 32
	msg := make([]byte, 0, offset+len(domain)+len(workstation))
	msg = append(msg, ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, ntlmTypeNegotiate)
	msg = binary.LittleEndian.AppendUint32(msg, negotiateFlags(creds))
	msg = appendSecBuf(msg, len(domain), offset)
	msg = appendSecBuf(msg, len(workstation), offset+len(domain))
	msg = append(msg, domain...)
	msg = append(msg, workstation...)
	return msg
}

// Challenge is the parsed Type-2 message.
type Challenge struct {
	Challenge  []byte
	Flags      uint32
	TargetName string
	TargetInfo []byte
}

// ParseChallenge validates and decodes a Type-2 message.
func ParseChallenge(msg []byte) (*Challenge, error) {
	if len(msg) < 32 {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "NTLM challenge too short: %d bytes", len(msg))
	}
	if string(msg[0:8]) != string(ntlmSignature) {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "bad NTLMSSP signature")
	}
	if t := binary.LittleEndian.Uint32(msg[8:]); t != ntlmTypeChallenge {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "unexpected NTLM message type %d, expected challenge", t)
	}
	c := &Challenge{
		Flags:     binary.LittleEndian.Uint32(msg[20:]),
		Challenge: append([]byte(nil), msg[24:32]...),
	}
	name, err := readSecBuf(msg, 12)
	if err != nil {
		return nil, err // no wrap
	}
	if c.Flags&flagNegotiateUnicode != 0 {
		c.TargetName = fromUnicode(name)
	} else {
		c.TargetName = string(name)
	}
	if c.Flags&flagNegotiateTargetInfo != 0 && len(msg) >= 48 {
		info, err := readSecBuf(msg, 40)
		if err != nil {
			return nil, err // no wrap
		}
		c.TargetInfo = append([]byte(nil), info...)
	}
	return c, nil
}

// BuildAuthenticate serializes the Type-3 message with the response pair
// selected by the credential hash configuration.
func BuildAuthenticate(creds *Credentials, challenge *Challenge) ([]byte, error) {
	lm, nt, err := responses(creds, challenge)
	if err != nil {
		return nil, err // no wrap
	}
	unicodeStrings := challenge.Flags&flagNegotiateUnicode != 0
	encode := func(s string) []byte {
		if unicodeStrings {
			return toUnicode(s)
		}
		return []byte(strings.ToUpper(s))
	}
	domain := encode(creds.Domain)
	user := encode(creds.User)
	workstation := encode(creds.Workstation)

	offset := 64
	msg := make([]byte, 0, offset+len(domain)+len(user)+len(workstation)+len(lm)+len(nt))
	msg = append(msg, ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, ntlmTypeAuthenticate)
	msg = appendSecBuf(msg, len(lm), offset)
	msg = appendSecBuf(msg, len(nt), offset+len(lm))
	msg = appendSecBuf(msg, len(domain), offset+len(lm)+len(nt))
	msg = appendSecBuf(msg, len(user), offset+len(lm)+len(nt)+len(domain))
	msg = appendSecBuf(msg, len(workstation), offset+len(lm)+len(nt)+len(domain)+len(user))
	msg = appendSecBuf(msg, 0, offset+len(lm)+len(nt)+len(domain)+len(user)+len(workstation))
	flags := negotiateFlags(creds)
	if !unicodeStrings {
		flags &^= flagNegotiateUnicode
	}
	msg = binary.LittleEndian.AppendUint32(msg, flags)
	msg = append(msg, lm...)
	msg = append(msg, nt...)
	msg = append(msg, domain...)
	msg = append(msg, user...)
	msg = append(msg, workstation...)
	return msg, nil
}

// responses picks the LM/NT response pair per the selected scheme.
func responses(creds *Credentials, challenge *Challenge) (lm []byte, nt []byte, err error) {
	switch {
	case creds.HashNTLMv2:
		if allZero(creds.PassNTLMv2[:]) {
			return nil, nil, stacktrace.NewErrorWithCode(EcAuthFailed, "NTLMv2 responses requested but no NTLMv2 hash available")
		}
		nonce := clientNonce()
		ts := filetime(time.Now())
		nt = ntlmv2Response(creds.PassNTLMv2[:], challenge.Challenge, challenge.TargetInfo, nonce, ts)
		lm = lmv2Response(creds.PassNTLMv2[:], challenge.Challenge, nonce)
	case creds.HashNT == 2:
		if allZero(creds.PassNT[:]) {
			return nil, nil, stacktrace.NewErrorWithCode(EcAuthFailed, "NTLM2 session response requested but no NT hash available")
		}
		lm, nt = ntlm2SessionResponse(creds.PassNT[:], challenge.Challenge, clientNonce())
	default:
		if creds.HashNT == 1 {
			if allZero(creds.PassNT[:]) {
				return nil, nil, stacktrace.NewErrorWithCode(EcAuthFailed, "NT response requested but no NT hash available")
			}
			nt = hashResponse(creds.PassNT[:], challenge.Challenge)
		}
		if creds.HashLM {
			if allZero(creds.PassLM[:]) {
				return nil, nil, stacktrace.NewErrorWithCode(EcAuthFailed, "LM response requested but no LM hash available")
			}
			lm = hashResponse(creds.PassLM[:], challenge.Challenge)
		}
		if lm == nil && nt == nil {
			return nil, nil, stacktrace.NewErrorWithCode(EcAuthFailed, "no NTLM hash selected")
		}
	}
	return lm, nt, nil
}
