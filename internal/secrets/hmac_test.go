package secrets

import (
	"strings"
	"testing"
	"time"
)

func TestServiceTokenValidatesWithinWindow(t *testing.T) {
	secret := "shared-secret"
	now := time.Now()
	token := GenerateServiceToken(secret, now)

	if !strings.Contains(token, ".") {
		t.Fatalf("token missing separator: %q", token)
	}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"same instant", now, true},
		{"4 minutes later", now.Add(4 * time.Minute), true},
		{"4 minutes earlier", now.Add(-4 * time.Minute), true},
		{"just inside", now.Add(ServiceTokenWindow - time.Second), true},
		{"just outside future", now.Add(ServiceTokenWindow + time.Second), false},
		{"just outside past", now.Add(-ServiceTokenWindow - time.Second), false},
		{"an hour later", now.Add(time.Hour), false},
	}
	for _, tc := range cases {
		if got := ValidateServiceToken(secret, token, tc.at); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestServiceTokenWrongSecret(t *testing.T) {
	now := time.Now()
	token := GenerateServiceToken("secret-a", now)
	if ValidateServiceToken("secret-b", token, now) {
		t.Fatal("token validated under the wrong secret")
	}
}

func TestServiceTokenMalformed(t *testing.T) {
	now := time.Now()
	for _, token := range []string{
		"",
		"no-separator",
		"notanumber.deadbeef",
		"1234.nothex",
		GenerateServiceToken("s", now) + "tamper",
	} {
		if ValidateServiceToken("s", token, now) {
			t.Errorf("malformed token %q validated", token)
		}
	}
}
