package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPriorityOrder(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		want     AttackType
	}{
		{"classic sql injection", "admin", "' OR '1'='1", SQLInjection},
		{"sql keyword in username", "SELECT * FROM users", "x", SQLInjection},
		{"sql comment marker", "admin--", "anything", SQLInjection},
		{"case insensitive sql", "union select", "x", SQLInjection},
		{"waitfor delay", "a", "waitfor delay '0:0:5'", SQLInjection},
		{"script tag", "<script>alert(1)</script>", "pw", XSS},
		{"javascript scheme", "user", "javascript:alert(1)", XSS},
		{"img tag uppercase", "<IMG src=x onerror=1>", "pw", XSS},
		{"command chaining", "user && whoami", "pw", CommandInjection},
		{"path traversal", "user", "../../etc/passwd", CommandInjection},
		{"backtick", "user`id`", "pw", CommandInjection},
		{"ldap filter", "*)(uid=*", "pw", LDAPInjection},
		{"ldap cn probe", "user", ")(cn=admin", LDAPInjection},
		{"admin unlock", "admin", "admin123", AdminUnlock},
		{"brute force qwerty", "user", "qwerty", BruteForce},
		{"brute force root", "operator", "root", BruteForce},
		{"plain attempt", "john", "MyP@ssw0rd!", LoginAttempt},
		{"empty credentials", "", "", LoginAttempt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.username, tt.password))
		})
	}
}

func TestClassifySQLBeatsLowerPriorityRules(t *testing.T) {
	// Matches both the SQL rule and the XSS rule; SQL wins on priority.
	assert.Equal(t, SQLInjection, Classify("<script>", "SELECT 1"))

	// Matches both command injection and brute force; command injection wins.
	assert.Equal(t, CommandInjection, Classify("user;ls", "password"))

	// admin_unlock outranks brute_force even though admin123 is not in the
	// common-password set; a common password with LDAP noise is LDAP.
	assert.Equal(t, LDAPInjection, Classify("*)(", "qwerty"))
}

func TestClassifyConcatenationQuirk(t *testing.T) {
	// "OR 1=1" spans the username/password boundary: username ends with
	// "OR 1=" and password starts with "1". The concatenation check matches
	// even though neither field matches on its own.
	assert.Equal(t, SQLInjection, Classify("xOR 1=", "1y"))

	// The XSS rule checks each field separately, so a boundary-spanning
	// pattern does not match.
	assert.Equal(t, LoginAttempt, Classify("x<scr", "ipt>y"))
}
