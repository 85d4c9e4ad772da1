// Package auth verifies API keys and answers permission checks for the
// JSON-RPC surface. Keys are configured as digests, never plaintext:
// "sha256:<hex>" (default when no scheme prefix is given) or
// "bcrypt:<hash>".
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidKey reports an unknown or malformed API key.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrIPBlocked reports a key presented from a disallowed address.
	ErrIPBlocked = errors.New("client address not allowed for this key")
)

// Methods every authenticated session may always call, plus the two that
// must work before authentication.
var alwaysAllowed = map[string]bool{
	"authenticate": true,
	"resume":       true,
	"ping":         true,
}

// KeyRecord is one configured API key.
type KeyRecord struct {
	ID          string   `yaml:"id"`
	Hash        string   `yaml:"hash"`
	MudName     string   `yaml:"mud_name"`
	Permissions []string `yaml:"permissions"`
	AllowIPs    []string `yaml:"allow_ips"`
	DenyIPs     []string `yaml:"deny_ips"`
}

// Identity is the result of a successful key check.
type Identity struct {
	KeyID       string
	MudName     string
	Permissions PermissionSet
}

type compiledKey struct {
	record   KeyRecord
	scheme   string // sha256 or bcrypt
	sha256   []byte // raw digest for sha256 keys
	bcrypt   []byte
	allow    []*net.IPNet
	deny     []*net.IPNet
	identity Identity
}

// Authenticator holds the configured key set. Read-only after New.
type Authenticator struct {
	keys []*compiledKey
}

// New compiles the key records, failing on malformed hashes or IP lists.
func New(records []KeyRecord) (*Authenticator, error) {
	a := &Authenticator{}
	for i, rec := range records {
		ck, err := compileKey(rec)
		if err != nil {
			return nil, fmt.Errorf("api key %d (%s): %w", i, rec.ID, err)
		}
		a.keys = append(a.keys, ck)
	}
	return a, nil
}

func compileKey(rec KeyRecord) (*compiledKey, error) {
	ck := &compiledKey{record: rec}

	hash := rec.Hash
	switch {
	case strings.HasPrefix(hash, "bcrypt:"):
		ck.scheme = "bcrypt"
		ck.bcrypt = []byte(strings.TrimPrefix(hash, "bcrypt:"))
		if _, err := bcrypt.Cost(ck.bcrypt); err != nil {
			return nil, fmt.Errorf("bad bcrypt hash: %w", err)
		}
	case strings.HasPrefix(hash, "sha256:"):
		ck.scheme = "sha256"
		hash = strings.TrimPrefix(hash, "sha256:")
		fallthrough
	default:
		if ck.scheme == "" {
			ck.scheme = "sha256"
		}
		raw, err := hex.DecodeString(hash)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("bad sha256 digest %q", rec.Hash)
		}
		ck.sha256 = raw
	}

	var err error
	if ck.allow, err = parseNets(rec.AllowIPs); err != nil {
		return nil, fmt.Errorf("allow_ips: %w", err)
	}
	if ck.deny, err = parseNets(rec.DenyIPs); err != nil {
		return nil, fmt.Errorf("deny_ips: %w", err)
	}

	ck.identity = Identity{
		KeyID:       rec.ID,
		MudName:     rec.MudName,
		Permissions: NewPermissionSet(rec.Permissions),
	}
	return ck, nil
}

// parseNets accepts CIDR blocks and bare addresses.
func parseNets(specs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, spec := range specs {
		if !strings.Contains(spec, "/") {
			ip := net.ParseIP(spec)
			if ip == nil {
				return nil, fmt.Errorf("bad address %q", spec)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(spec)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Verify checks a presented key against every configured record and the
// caller's address. remoteAddr may carry a port.
func (a *Authenticator) Verify(apiKey, remoteAddr string) (*Identity, error) {
	if apiKey == "" {
		return nil, ErrInvalidKey
	}

	digest := sha256.Sum256([]byte(apiKey))
	for _, ck := range a.keys {
		if !ck.matches(apiKey, digest[:]) {
			continue
		}
		if err := ck.checkIP(remoteAddr); err != nil {
			return nil, err
		}
		id := ck.identity
		return &id, nil
	}
	return nil, ErrInvalidKey
}

func (ck *compiledKey) matches(apiKey string, digest []byte) bool {
	switch ck.scheme {
	case "bcrypt":
		return bcrypt.CompareHashAndPassword(ck.bcrypt, []byte(apiKey)) == nil
	default:
		return subtle.ConstantTimeCompare(ck.sha256, digest) == 1
	}
}

func (ck *compiledKey) checkIP(remoteAddr string) error {
	if len(ck.allow) == 0 && len(ck.deny) == 0 {
		return nil
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unparseable address %q", ErrIPBlocked, remoteAddr)
	}

	for _, n := range ck.deny {
		if n.Contains(ip) {
			return ErrIPBlocked
		}
	}
	if len(ck.allow) > 0 {
		for _, n := range ck.allow {
			if n.Contains(ip) {
				return nil
			}
		}
		return ErrIPBlocked
	}
	return nil
}

// HashKey returns the sha256 config form of a plaintext key. Used by the
// keygen tool, never at runtime.
func HashKey(apiKey string) string {
	digest := sha256.Sum256([]byte(apiKey))
	return "sha256:" + hex.EncodeToString(digest[:])
}

// ============================================================================
// PERMISSIONS
// ============================================================================

// PermissionSet is a set of method tags. "*" grants everything; a
// trailing "*" grants a prefix, e.g. "channel_*".
type PermissionSet struct {
	tags []string
	all  bool
}

// NewPermissionSet normalizes and sorts the tag list.
func NewPermissionSet(tags []string) PermissionSet {
	ps := PermissionSet{}
	seen := make(map[string]bool)
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.ToLower(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		if tag == "*" {
			ps.all = true
		}
		ps.tags = append(ps.tags, tag)
	}
	sort.Strings(ps.tags)
	return ps
}

// Allows reports whether method may be called under this permission set.
func (ps PermissionSet) Allows(method string) bool {
	if alwaysAllowed[method] {
		return true
	}
	if ps.all {
		return true
	}
	for _, tag := range ps.tags {
		if tag == method {
			return true
		}
		if prefix, ok := strings.CutSuffix(tag, "*"); ok && strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// List returns the sorted tags for the authenticate response.
func (ps PermissionSet) List() []string {
	out := make([]string, len(ps.tags))
	copy(out, ps.tags)
	return out
}
