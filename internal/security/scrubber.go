package security

import (
	"regexp"
	"strings"
	"sync"
)

// scrubPattern is one regex credential shape, grounded pattern-for-pattern
// on original_source's server/scrubber.py SecretScrubber.PATTERNS.
type scrubPattern struct {
	name string
	re   *regexp.Regexp
}

var patterns = []scrubPattern{
	{"generic_assignment", regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd)\s*[:=]\s*['"]?([A-Za-z0-9_\-./+=]{8,})['"]?`)},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.=]{8,}`)},
	{"openai", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"anthropic", regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{20,}`)},
	{"github_pat", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`)},
	{"github_pat_fine", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)aws_secret[_a-z]*\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`)},
	{"google_api_key", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`)},
	{"telegram_bot_token", regexp.MustCompile(`\d{8,10}:[A-Za-z0-9_\-]{35}`)},
	{"generic_hex", regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)},
	{"generic_base64_secret", regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`)},
	{"connection_string", regexp.MustCompile(`(?i)(postgres|mysql|mongodb|redis)://[^:\s]+:[^@\s]+@[^\s]+`)},
	{"pem_header", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
}

// sensitiveKeys are field names that, regardless of value shape, are
// redacted wholesale by ScrubMap — ported from scrubber.py's keys_to_scrub.
var sensitiveKeys = map[string]bool{
	"password": true, "passwd": true, "secret": true, "token": true,
	"api_key": true, "apikey": true, "auth": true, "authorization": true,
	"credential": true, "credentials": true, "private_key": true,
}

const redactedMarker = "[REDACTED]"

// Scrubber redacts known-secret strings and pattern-matched credential
// shapes from any text before it leaves the process — the only path, per
// spec.md §4.1's invariant, by which a response body, captured-output
// field, or log read may contain secret-shaped bytes.
type Scrubber struct {
	mu      sync.RWMutex
	known   map[string]bool // exact secret strings, min length 8
}

// NewScrubber returns an empty scrubber; known secrets are added via
// AddKnownSecret or LoadFromVault.
func NewScrubber() *Scrubber {
	return &Scrubber{known: make(map[string]bool)}
}

// AddKnownSecret registers an exact secret string for literal replacement.
// Values shorter than 8 bytes are ignored — too likely to clobber ordinary
// text (matches scrubber.py's minimum length guard).
func (s *Scrubber) AddKnownSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.mu.Lock()
	s.known[value] = true
	s.mu.Unlock()
}

// LoadFromVault seeds the known-secret set from every value currently
// stored in the vault — called at startup and whenever a secret is written,
// per spec.md §4.1.
func (s *Scrubber) LoadFromVault(v *Vault) {
	for _, val := range v.Values() {
		s.AddKnownSecret(val)
	}
}

// Scrub replaces every known secret and pattern match in text with
// [REDACTED]. Known secrets are replaced first (exact match, longest-first
// to avoid a short secret masking only part of a longer one that contains
// it), then the fixed pattern set.
func (s *Scrubber) Scrub(text string) string {
	s.mu.RLock()
	known := make([]string, 0, len(s.known))
	for k := range s.known {
		known = append(known, k)
	}
	s.mu.RUnlock()

	for i := 0; i < len(known); i++ {
		for j := i + 1; j < len(known); j++ {
			if len(known[j]) > len(known[i]) {
				known[i], known[j] = known[j], known[i]
			}
		}
	}

	out := text
	for _, secret := range known {
		out = strings.ReplaceAll(out, secret, redactedMarker)
	}
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, redactedMarker)
	}
	return out
}

// ScrubMap recursively scrubs every string value in a JSON-shaped map,
// additionally redacting any value whose key is in the sensitive-name set
// regardless of its shape — ported from scrubber.py's scrub_dict.
func (s *Scrubber) ScrubMap(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = redactedMarker
			continue
		}
		out[k] = s.scrubValue(v)
	}
	return out
}

func (s *Scrubber) scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.Scrub(val)
	case map[string]interface{}:
		return s.ScrubMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return v
	}
}
