// Package ssh runs commands on gateway nodes over pooled SSH connections.
package ssh

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the connection settings shared by every node.
type Config struct {
	User           string
	Port           int
	PrivateKey     []byte
	KnownHostsPath string
	ConnectTimeout time.Duration
	MaxIdle        time.Duration
}

// DefaultConfig returns the defaults used when fields are left empty.
func DefaultConfig() Config {
	return Config{
		User:           "root",
		Port:           22,
		ConnectTimeout: 10 * time.Second,
		MaxIdle:        5 * time.Minute,
	}
}

// LoadPrivateKey reads a PEM private key from path into the config.
func (c *Config) LoadPrivateKey(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ssh private key %s: %w", path, err)
	}
	c.PrivateKey = data
	return nil
}

// ClientConfig builds the x/crypto client configuration. Host keys are
// checked against KnownHostsPath when it is set; otherwise any host key is
// accepted and insecure reports true.
func (c Config) ClientConfig() (cfg *ssh.ClientConfig, insecure bool, err error) {
	if len(c.PrivateKey) == 0 {
		return nil, false, fmt.Errorf("ssh private key is required")
	}
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, false, fmt.Errorf("parse ssh private key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	insecure = true
	if c.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, false, fmt.Errorf("load known hosts %s: %w", c.KnownHostsPath, err)
		}
		insecure = false
	}

	user := c.User
	if user == "" {
		user = "root"
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectTimeout,
	}, insecure, nil
}
