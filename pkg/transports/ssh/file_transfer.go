package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// createSFTPClient creates a new SFTP client on the current connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// UploadFile uploads a single file to the remote host via SFTP.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Uint32("mode", mode).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	// Remote paths are always slash separated.
	if dir := path.Dir(remotePath); dir != "." {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
		}
	}

	// Write to a temporary name so a running peer binary is never truncated.
	tmpPath := remotePath + ".upload"
	remoteFile, err := sftpClient.Create(tmpPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(tmpPath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Msg("failed to set file permissions")
		}
	}
	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to move file into place: %w", err)}
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded successfully")
	return nil
}

// EnsureFile uploads localPath unless the remote copy is already identical.
func (c *SSHClient) EnsureFile(ctx context.Context, localPath string, remotePath string, mode uint32) (bool, error) {
	localSum, err := computeLocalChecksum(localPath)
	if err != nil {
		return false, &TransportError{Op: "upload", Err: fmt.Errorf("failed to checksum local file: %w", err)}
	}

	// A missing remote file simply fails the checksum.
	if remoteSum, err := c.ComputeChecksum(ctx, remotePath); err == nil && remoteSum == localSum {
		log.Debug().Str("remote", remotePath).Msg("remote file up to date")
		return false, nil
	}

	if err := c.UploadFile(ctx, localPath, remotePath, mode); err != nil {
		return false, err
	}
	return true, nil
}

// ComputeChecksum calculates the SHA256 checksum of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.ExecuteCommand(ctx, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("failed to compute checksum: %s", stderr)}
	}

	// Output format: "checksum  filename"
	parts := strings.Fields(stdout)
	if len(parts) < 1 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("invalid checksum output: %s", stdout)}
	}
	return parts[0], nil
}

// computeLocalChecksum calculates the SHA256 checksum of a local file.
func computeLocalChecksum(localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
