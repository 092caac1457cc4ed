package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/snapvault/snapvault/internal/config"
)

const sftpDialTimeout = 30 * time.Second

// SFTPBackend pushes backups over a key-authenticated SSH channel.
// Staging and finalize renames happen server-side, so a completed
// backup appears atomically on the remote too.
type SFTPBackend struct {
	root   string
	ssh    *ssh.Client
	client *sftp.Client
}

// NewSFTPBackend dials the remote target and verifies its host key.
func NewSFTPBackend(cfg *config.RemoteConfig) (*SFTPBackend, error) {
	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg.HostKey)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sftpDialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	return &SFTPBackend{root: cfg.RootPath, ssh: sshClient, client: client}, nil
}

// hostKeyCallback builds the verification callback from a base64
// encoded public key. An empty key is rejected; unauthenticated hosts
// are never trusted.
func hostKeyCallback(encoded string) (ssh.HostKeyCallback, error) {
	if encoded == "" {
		return nil, errors.New("remote host_key is required for host verification")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode host key: %w", err)
	}
	key, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

func (b *SFTPBackend) stagingDir(backupID string) string {
	return path.Join(b.root, backupID+StagingSuffix)
}

func (b *SFTPBackend) finalDir(backupID string) string {
	return path.Join(b.root, backupID)
}

// Put uploads one object into the server-side staging directory.
func (b *SFTPBackend) Put(ctx context.Context, backupID, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote := path.Join(b.stagingDir(backupID), name)
	if err := b.client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}

	f, err := b.client.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote object: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write remote object: %w", err)
	}
	return f.Close()
}

// OpenStaging reads a staged object from the remote.
func (b *SFTPBackend) OpenStaging(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.client.Open(path.Join(b.stagingDir(backupID), name))
}

// Open reads an object from a finalized remote backup.
func (b *SFTPBackend) Open(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.client.Open(path.Join(b.finalDir(backupID), name))
}

// Finalize renames the staging directory server-side.
func (b *SFTPBackend) Finalize(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.Rename(b.stagingDir(backupID), b.finalDir(backupID)); err != nil {
		return fmt.Errorf("finalize remote backup: %w", err)
	}
	return nil
}

// Delete removes a finalized remote backup recursively.
func (b *SFTPBackend) Delete(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.RemoveAll(b.finalDir(backupID)); err != nil {
		return fmt.Errorf("delete remote backup: %w", err)
	}
	return nil
}

// Close tears down the SFTP session and the SSH connection.
func (b *SFTPBackend) Close() error {
	err := b.client.Close()
	if cerr := b.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
