package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/MauricioCa07/DHCP-Project/internal/config"
)

// userTable mirrors the [[api.auth.users]] path of the config file.
type userTable struct {
	API struct {
		Auth struct {
			Users []config.UserConfig `toml:"users"`
		} `toml:"auth"`
	} `toml:"api"`
}

// runHashPassword reads a password for username and prints a ready-to-paste
// [[api.auth.users]] entry with its bcrypt hash.
//
//	dorad -hash-password -username ops -role admin
//	echo 'secret' | dorad -hash-password -username grafana
func runHashPassword(username, role string, cost int) error {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, cost)
	}

	var password string
	var err error
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		password, err = promptPassword(fd, os.Stderr)
	} else {
		password, err = readPasswordLine(os.Stdin)
	}
	if err != nil {
		return err
	}

	u, err := newUser(username, role, password, cost)
	if err != nil {
		return err
	}
	return writeUser(os.Stdout, u)
}

// newUser hashes password and returns a user entry that passes config
// validation.
func newUser(username, role, password string, cost int) (config.UserConfig, error) {
	if password == "" {
		return config.UserConfig{}, errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return config.UserConfig{}, fmt.Errorf("hashing password: %w", err)
	}
	if role == "" {
		role = config.DefaultUserRole
	}

	u := config.UserConfig{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := u.Validate(); err != nil {
		return config.UserConfig{}, err
	}
	return u, nil
}

func writeUser(w io.Writer, u config.UserConfig) error {
	var tbl userTable
	tbl.API.Auth.Users = []config.UserConfig{u}

	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(tbl); err != nil {
		return fmt.Errorf("encoding user entry: %w", err)
	}
	return nil
}

// readPasswordLine takes the first line of r, for piped input.
func readPasswordLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return "", errors.New("no password on stdin")
	}
	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}

// promptPassword reads the password twice without echo.
func promptPassword(fd int, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	fmt.Fprint(prompt, "Confirm:  ")
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if string(again) != string(pw) {
		return "", errors.New("passwords do not match")
	}
	return string(pw), nil
}
