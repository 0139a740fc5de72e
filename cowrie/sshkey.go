package cowrie

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Attackers plant keys with variations of
//
//	echo "ssh-rsa AAAA... x@y" >> ~/.ssh/authorized_keys
//
// The extractor is shared between ingest-time aggregation and the
// standalone backfill so the two paths cannot drift.

var sshKeyRE = regexp.MustCompile(`(ssh-(?:rsa|dss|ed25519)|ecdsa-sha2-nistp(?:256|384|521))\s+([A-Za-z0-9+/=]+)(?:\s+(\S+))?`)

// KeyInjection is one SSH key found in a command.
type KeyInjection struct {
	// Fingerprint is the SHA256 fingerprint of the key, in the
	// OpenSSH "SHA256:..." form.
	Fingerprint string
	Type        string
	Comment     string
}

// ExtractAuthorizedKey inspects a command for an authorized_keys
// injection and returns the parsed keys.
//
// Commands that do not reference authorized_keys return nil: a bare
// key in a command line is not an injection.
func ExtractAuthorizedKey(command string) []KeyInjection {
	if !strings.Contains(command, "authorized_keys") {
		return nil
	}
	var out []KeyInjection
	for _, m := range sshKeyRE.FindAllStringSubmatch(command, -1) {
		keyText := m[1] + " " + m[2]
		pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(keyText))
		if err != nil {
			continue
		}
		if comment == "" && len(m) > 3 {
			comment = m[3]
		}
		out = append(out, KeyInjection{
			Fingerprint: ssh.FingerprintSHA256(pub),
			Type:        pub.Type(),
			Comment:     comment,
		})
	}
	return out
}
