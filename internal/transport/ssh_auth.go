package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// PromptFunc reads a secret without echo.
type PromptFunc func(prompt string) ([]byte, error)

// TerminalPrompt reads a secret from the controlling terminal.
func TerminalPrompt(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot ask %q: stdin is not a terminal", strings.TrimSpace(prompt))
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return secret, err
}

var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

func (c *SSHConfig) prompt() PromptFunc {
	if c.Prompt != nil {
		return c.Prompt
	}
	return TerminalPrompt
}

// authMethods returns the configured methods in order: key file, agent,
// password.  With nothing configured it falls back to the agent and the
// usual unencrypted keys under ~/.ssh.
func (c *SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.KeyPath != "" {
		signer, err := loadSigner(c.KeyPath, c.prompt())
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", c.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}
	if c.PromptPass {
		ask := c.prompt()
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			pass, err := ask("SSH password: ")
			return string(pass), err
		}))
	}

	if len(methods) == 0 {
		methods = fallbackAuth()
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication methods available; " +
			"use --ssh-key, --ssh-password or --ssh-agent")
	}
	return methods, nil
}

// loadSigner parses a private key, asking for the passphrase when the
// key is encrypted.
func loadSigner(path string, ask PromptFunc) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	if ask == nil {
		return nil, err
	}
	pass, err := ask(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func fallbackAuth() []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyNames {
		// encrypted keys are skipped rather than prompted for
		if s, err := loadSigner(filepath.Join(home, ".ssh", name), nil); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		out = append(out, ssh.PublicKeys(signers...))
	}
	return out
}

// hostKeyCallback verifies the gateway against known_hosts when strict,
// and accepts any key otherwise.
func (c *SSHConfig) hostKeyCallback(strict bool) (ssh.HostKeyCallback, error) {
	if !strict {
		//nolint:gosec // host key checking disabled for insecure sessions
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := c.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", path, err)
	}
	return cb, nil
}
