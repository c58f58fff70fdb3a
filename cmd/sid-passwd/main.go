// sid-passwd hashes an API password and prints a [[api.auth.users]] entry
// ready to paste into the sid config.
// Usage:
//
//	sid-passwd -user alice
//	sid-passwd -user ops -role viewer -cost 12
//	echo 'mypassword' | sid-passwd -user alice
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/carpie/sid/internal/config"
)

func main() {
	user := flag.String("user", "", "API username")
	role := flag.String("role", "admin", "role: admin or viewer")
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	hashOnly := flag.Bool("hash-only", false, "print only the hash")
	flag.Parse()

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fatalf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if *role != "admin" && *role != "viewer" {
		fatalf("role must be admin or viewer")
	}
	if *user == "" && !*hashOnly {
		fatalf("-user is required unless -hash-only is set")
	}

	password, err := readPassword()
	if err != nil {
		fatalf("%v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), *cost)
	if err != nil {
		fatalf("%v", err)
	}

	if *hashOnly {
		fmt.Println(string(hash))
		return
	}

	entry := struct {
		API struct {
			Auth struct {
				Users []config.UserConfig `toml:"users"`
			} `toml:"auth"`
		} `toml:"api"`
	}{}
	entry.API.Auth.Users = []config.UserConfig{{
		Username:     *user,
		PasswordHash: string(hash),
		Role:         *role,
	}}
	if err := toml.NewEncoder(os.Stdout).Encode(entry); err != nil {
		fatalf("encoding entry: %v", err)
	}
}

// readPassword takes the password from stdin when piped, otherwise prompts
// twice without echo.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		scanner := bufio.NewScanner(os.Stdin)
		var pw string
		if scanner.Scan() {
			pw = strings.TrimSpace(scanner.Text())
		}
		if pw == "" {
			return "", fmt.Errorf("empty password from stdin")
		}
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm:  ")
	pw2, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if string(pw) != string(pw2) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(pw) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(pw), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
