package classify

import "strings"

// AttackType labels the technique detected in a captured credential pair.
type AttackType string

const (
	SQLInjection     AttackType = "sql_injection"
	XSS              AttackType = "xss"
	CommandInjection AttackType = "command_injection"
	LDAPInjection    AttackType = "ldap_injection"
	AdminUnlock      AttackType = "admin_unlock"
	BruteForce       AttackType = "brute_force"
	LoginAttempt     AttackType = "login_attempt"
)

// AdminUnlockPassword is the fixed credential that opens the decoy admin
// panel. It is a trap, not a real privilege boundary.
const AdminUnlockPassword = "admin123"

var sqlPatterns = []string{
	"SELECT", "UNION", "DROP", "INSERT", "UPDATE", "DELETE", "--", ";--",
	"OR 1=1", "' OR '1'='1", `" OR "1"="1`, "OR 1=1--", "EXEC", "EXECUTE",
	"xp_", "sp_", "INFORMATION_SCHEMA", "WAITFOR DELAY",
}

var xssPatterns = []string{
	"<script>", "</script>", "javascript:", "onerror=", "onload=",
	"<img", "<iframe", "alert(", "eval(", "document.cookie",
}

var cmdPatterns = []string{
	"&&", "||", ";", "|", "`", "$(", "${", "../", `..\`,
}

var ldapPatterns = []string{
	"*)(", ")(cn=", ")(uid=", ")(mail=",
}

var commonPasswords = map[string]bool{
	"123456":   true,
	"password": true,
	"admin":    true,
	"root":     true,
	"12345678": true,
	"qwerty":   true,
	"abc123":   true,
}

// Classify maps a submitted credential pair to an attack-type label.
// Rules are evaluated in fixed priority order and the first match wins;
// a pair matching nothing is a plain login_attempt.
//
// The SQL rule checks the uppercased concatenation username+password, so a
// pattern spanning the boundary between the two fields also matches. That is
// long-standing observed behavior and is kept as is.
func Classify(username, password string) AttackType {
	combined := strings.ToUpper(username + password)
	usernameLower := strings.ToLower(username)
	passwordLower := strings.ToLower(password)

	for _, p := range sqlPatterns {
		if strings.Contains(combined, strings.ToUpper(p)) {
			return SQLInjection
		}
	}
	for _, p := range xssPatterns {
		if strings.Contains(usernameLower, p) || strings.Contains(passwordLower, p) {
			return XSS
		}
	}
	for _, p := range cmdPatterns {
		if strings.Contains(username, p) || strings.Contains(password, p) {
			return CommandInjection
		}
	}
	for _, p := range ldapPatterns {
		if strings.Contains(username, p) || strings.Contains(password, p) {
			return LDAPInjection
		}
	}
	if password == AdminUnlockPassword {
		return AdminUnlock
	}
	if commonPasswords[password] {
		return BruteForce
	}
	return LoginAttempt
}
