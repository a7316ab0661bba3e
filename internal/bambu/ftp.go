package bambu

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/secsy/goftp"
)

// Common FTPS failures surfaced to callers.
var (
	ErrFtpNotConnected = errors.New("printer storage not connected")
	ErrFtpNotFound     = errors.New("file not found on printer")
	ErrFtpAuth         = errors.New("printer storage rejected credentials")
	ErrFtpUnavailable  = errors.New("printer storage unavailable")
)

// FtpClient wraps the printer's implicit-TLS FTPS share. Printers resume
// the control-channel TLS session on the data channel, so a shared session
// cache is mandatory.
type FtpClient struct {
	config PrinterConfig

	mu     sync.Mutex
	client *goftp.Client
}

func NewFtpClient(config PrinterConfig) *FtpClient {
	return &FtpClient{config: config}
}

// Connect opens the FTPS session and verifies it with a directory listing.
func (f *FtpClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return nil
	}

	cfg := goftp.Config{
		User:     DefaultUsername,
		Password: f.config.AccessCode,
		Timeout:  10 * time.Second,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
			ClientSessionCache: tls.NewLRUClientSessionCache(32),
		},
		TLSMode: goftp.TLSImplicit,
	}

	client, err := goftp.DialConfig(cfg, fmt.Sprintf("%s:%d", f.config.Host, FtpsPort))
	if err != nil {
		return mapFtpError(err)
	}

	// DialConfig dials lazily; force a roundtrip so failures surface now.
	if _, err := client.ReadDir("/"); err != nil {
		client.Close()
		return mapFtpError(err)
	}

	f.client = client
	return nil
}

// IsConnected reports whether a session is open.
func (f *FtpClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client != nil
}

// List returns the entries of a directory on the printer.
func (f *FtpClient) List(path string) ([]os.FileInfo, error) {
	client, err := f.session()
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(path)
	if err != nil {
		return nil, mapFtpError(err)
	}
	return entries, nil
}

// Stat returns the metadata of a single file.
func (f *FtpClient) Stat(path string) (os.FileInfo, error) {
	client, err := f.session()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(path)
	if err != nil {
		return nil, mapFtpError(err)
	}
	return info, nil
}

// Download copies a remote file into w.
func (f *FtpClient) Download(path string, w io.Writer) error {
	client, err := f.session()
	if err != nil {
		return err
	}
	if err := client.Retrieve(path, w); err != nil {
		return mapFtpError(err)
	}
	return nil
}

// Upload stores r at the remote path.
func (f *FtpClient) Upload(path string, r io.Reader) error {
	client, err := f.session()
	if err != nil {
		return err
	}
	if err := client.Store(path, r); err != nil {
		return mapFtpError(err)
	}
	return nil
}

// Delete removes a remote file.
func (f *FtpClient) Delete(path string) error {
	client, err := f.session()
	if err != nil {
		return err
	}
	if err := client.Delete(path); err != nil {
		return mapFtpError(err)
	}
	return nil
}

// Rmdir removes an empty remote directory.
func (f *FtpClient) Rmdir(path string) error {
	client, err := f.session()
	if err != nil {
		return err
	}
	if err := client.Rmdir(path); err != nil {
		return mapFtpError(err)
	}
	return nil
}

// Mkdir creates a remote directory.
func (f *FtpClient) Mkdir(path string) error {
	client, err := f.session()
	if err != nil {
		return err
	}
	if _, err := client.Mkdir(path); err != nil {
		return mapFtpError(err)
	}
	return nil
}

// Rename moves a remote file or directory.
func (f *FtpClient) Rename(from, to string) error {
	client, err := f.session()
	if err != nil {
		return err
	}
	if err := client.Rename(from, to); err != nil {
		return mapFtpError(err)
	}
	return nil
}

// Close drops the session.
func (f *FtpClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

func (f *FtpClient) session() (*goftp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil, ErrFtpNotConnected
	}
	return f.client, nil
}

// mapFtpError translates protocol replies onto the sentinel errors.
func mapFtpError(err error) error {
	if err == nil {
		return nil
	}
	var ftpErr goftp.Error
	if errors.As(err, &ftpErr) {
		switch ftpErr.Code() {
		case 421:
			return fmt.Errorf("%w: %s", ErrFtpUnavailable, ftpErr.Message())
		case 530:
			return fmt.Errorf("%w: %s", ErrFtpAuth, ftpErr.Message())
		case 550:
			return fmt.Errorf("%w: %s", ErrFtpNotFound, ftpErr.Message())
		}
	}
	return err
}
