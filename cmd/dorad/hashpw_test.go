package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/MauricioCa07/DHCP-Project/internal/config"
)

func TestNewUserRoundTripsThroughConfig(t *testing.T) {
	u, err := newUser("ops", "admin", "s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("newUser error: %v", err)
	}

	var buf bytes.Buffer
	if err := writeUser(&buf, u); err != nil {
		t.Fatalf("writeUser error: %v", err)
	}

	cfg, err := config.Parse(buf.String())
	if err != nil {
		t.Fatalf("Parse of generated entry error: %v\n%s", err, buf.String())
	}
	if len(cfg.API.Auth.Users) != 1 {
		t.Fatalf("users = %+v", cfg.API.Auth.Users)
	}
	got := cfg.API.Auth.Users[0]
	if got.Username != "ops" || got.Role != "admin" {
		t.Errorf("user = %+v", got)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(got.PasswordHash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not match password: %v", err)
	}
}

func TestNewUserInvalid(t *testing.T) {
	tests := []struct {
		name     string
		username string
		role     string
		password string
	}{
		{"empty password", "ops", "admin", ""},
		{"no username", "", "admin", "pw"},
		{"unknown role", "ops", "root", "pw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newUser(tt.username, tt.role, tt.password, bcrypt.MinCost); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNewUserDefaultRole(t *testing.T) {
	u, err := newUser("grafana", "", "pw", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("newUser error: %v", err)
	}
	if u.Role != config.DefaultUserRole {
		t.Errorf("Role = %q, want %q", u.Role, config.DefaultUserRole)
	}
}

func TestReadPasswordLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"newline", "hunter2\n", "hunter2", false},
		{"crlf", "hunter2\r\n", "hunter2", false},
		{"keeps spaces", " pass word \n", " pass word ", false},
		{"only first line", "first\nsecond\n", "first", false},
		{"empty input", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPasswordLine(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
