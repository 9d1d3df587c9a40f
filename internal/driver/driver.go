// Package driver adapts the configured account table and data root into
// the core engine's MainDriver/ClientDriver contract, backed by afero and
// gated by the anti-bruteforce authgate.
package driver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/liteftpd/liteftpd"
	"github.com/liteftpd/liteftpd/internal/authgate"
	"github.com/liteftpd/liteftpd/internal/config"
)

// Driver is the MainDriver implementation the CLI wires into NewFtpServer.
// It owns the account table, the shared afero-backed root, the TLS
// certificate and the per-IP anti-bruteforce gate, and hands out a
// per-user ClientDriver scoped to that account's home directory.
type Driver struct {
	cfg       *config.Config
	gate      *authgate.Gate
	root      string
	tlsConfig *tls.Config
	clients   int32
}

// New builds a Driver from a loaded configuration and the data root
// directory under which every account's home is created.
func New(cfg *config.Config, dataRoot string) (*Driver, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating data root %q: %w", dataRoot, err)
	}

	backend := authgate.Backend(authgate.NewLocalBackend(localUsers(cfg.Users)))

	threshold := cfg.BruteforceThresh
	cooldown := time.Duration(cfg.BruteforceCooldownS) * time.Second

	return &Driver{
		cfg:  cfg,
		gate: authgate.NewGate(backend, threshold, cooldown),
		root: dataRoot,
	}, nil
}

func localUsers(users []config.User) []authgate.LocalUser {
	out := make([]authgate.LocalUser, 0, len(users))
	for _, u := range users {
		out = append(out, authgate.LocalUser{Name: u.Name, Password: u.Password})
	}

	return out
}

// GetSettings implements ftpserver.MainDriver.
func (d *Driver) GetSettings() (*ftpserver.Settings, error) {
	settings := &ftpserver.Settings{
		ListenAddr:       fmt.Sprintf("%s:%d", d.cfg.ListenHost, d.cfg.ControlPort),
		PublicHost:       d.cfg.NATIP,
		IdleTimeout:      d.cfg.IdleTimeoutS,
		MaxSessions:      d.cfg.MaxSessions,
		MaxSessionsPerIP: d.cfg.MaxSessionsPerIP,
		BruteForceThreshold: d.cfg.BruteforceThresh,
		BruteForceCooldown:  d.cfg.BruteforceCooldownS,
	}

	if d.cfg.PassivePortLo > 0 && d.cfg.PassivePortHi >= d.cfg.PassivePortLo {
		settings.PassiveTransferPortRange = &ftpserver.PortRange{
			Start: d.cfg.PassivePortLo,
			End:   d.cfg.PassivePortHi,
		}
	}

	if d.cfg.ForceTLS {
		settings.TLSRequired = ftpserver.MandatoryEncryption
	}

	return settings, nil
}

// ClientConnected implements ftpserver.MainDriver.
func (d *Driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	n := atomic.AddInt32(&d.clients, 1)

	return fmt.Sprintf("liteftpd ready, %d client(s) connected", n), nil
}

// ClientDisconnected implements ftpserver.MainDriver.
func (d *Driver) ClientDisconnected(cc ftpserver.ClientContext) {
	atomic.AddInt32(&d.clients, -1)
}

// AuthUser implements ftpserver.MainDriver. It never touches the accounts
// table directly: every check — including the bruteforce lockout — goes
// through the Gate, keyed on the control connection's peer IP.
func (d *Driver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	peerIP := hostOnly(cc.RemoteAddr())

	outcome, err := d.gate.Verify(user, pass, peerIP)
	if err != nil {
		return nil, err
	}

	if outcome != authgate.OutcomeSuccess {
		return nil, fmt.Errorf("authentication failed for %q", user)
	}

	account := d.account(user)
	if account == nil {
		return nil, fmt.Errorf("authentication failed for %q", user)
	}

	home := filepath.Join(d.root, filepath.FromSlash(account.Home))
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("preparing home for %q: %w", user, err)
	}

	return newClientDriver(home, account.ReadOnly), nil
}

// IsBlocked implements ftpserver.BruteForceChecker, letting the listener
// reject a peer before the welcome banner is sent.
func (d *Driver) IsBlocked(peerIP string) bool {
	return d.gate.IsBlocked(peerIP)
}

func (d *Driver) account(user string) *config.User {
	for i := range d.cfg.Users {
		if d.cfg.Users[i].Name == user {
			return &d.cfg.Users[i]
		}
	}

	return nil
}

// GetTLSConfig implements ftpserver.MainDriver. It loads the configured
// certificate/key pair, or — if none is configured — generates a
// self-signed one good for a week so AUTH TLS still works out of the box.
func (d *Driver) GetTLSConfig() (*tls.Config, error) {
	if d.tlsConfig != nil {
		return d.tlsConfig, nil
	}

	var (
		cert tls.Certificate
		err  error
	)

	if d.cfg.TLSCertPath != "" && d.cfg.TLSKeyPath != "" {
		cert, err = tls.LoadX509KeyPair(d.cfg.TLSCertPath, d.cfg.TLSKeyPath)
	} else {
		cert, err = generateSelfSignedCert()
	}

	if err != nil {
		return nil, err
	}

	d.tlsConfig = &tls.Config{
		NextProtos:   []string{"ftp"},
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	return d.tlsConfig, nil
}

// generateSelfSignedCert produces a throwaway certificate so a server
// started without tls_cert_path/tls_key_path can still serve AUTH TLS.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating key: %w", err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "liteftpd", Organization: []string{"liteftpd"}},
		DNSNames:              []string{"localhost"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(7 * 24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("creating certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}

	return host
}

// clientDriver wraps an afero.Fs rooted at a user's home directory and
// implements ClientDriverExtensionRealPath so path_resolver.go can run its
// symlink-containment check against this account's real directory, and
// ClientDriverExtensionRemoveDir so RMD can't be used to delete a file.
type clientDriver struct {
	afero.Fs
	root     string
	readOnly bool
}

func newClientDriver(root string, readOnly bool) *clientDriver {
	return &clientDriver{
		Fs:       afero.NewBasePathFs(afero.NewOsFs(), root),
		root:     root,
		readOnly: readOnly,
	}
}

// RealPath implements ftpserver.ClientDriverExtensionRealPath.
func (cd *clientDriver) RealPath(virtualPath string) (string, string, error) {
	return filepath.Join(cd.root, filepath.FromSlash(virtualPath)), cd.root, nil
}

// RemoveDir implements ftpserver.ClientDriverExtensionRemoveDir.
func (cd *clientDriver) RemoveDir(name string) error {
	info, err := cd.Fs.Stat(name)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", name)
	}

	return cd.RemoveAll(name)
}

var errReadOnly = fmt.Errorf("account is read-only")

func (cd *clientDriver) guardWrite() error {
	if cd.readOnly {
		return errReadOnly
	}

	return nil
}

// Create, Mkdir, MkdirAll, Remove, RemoveAll and Rename are overridden to
// reject mutations for read-only accounts; every other afero.Fs method is
// inherited unchanged from the embedded, base-path-scoped Fs.

func (cd *clientDriver) Create(name string) (afero.File, error) {
	if err := cd.guardWrite(); err != nil {
		return nil, err
	}

	return cd.Fs.Create(name)
}

func (cd *clientDriver) Mkdir(name string, perm os.FileMode) error {
	if err := cd.guardWrite(); err != nil {
		return err
	}

	return cd.Fs.Mkdir(name, perm)
}

func (cd *clientDriver) MkdirAll(path string, perm os.FileMode) error {
	if err := cd.guardWrite(); err != nil {
		return err
	}

	return cd.Fs.MkdirAll(path, perm)
}

func (cd *clientDriver) Remove(name string) error {
	if err := cd.guardWrite(); err != nil {
		return err
	}

	return cd.Fs.Remove(name)
}

func (cd *clientDriver) RemoveAll(path string) error {
	if err := cd.guardWrite(); err != nil {
		return err
	}

	return cd.Fs.RemoveAll(path)
}

func (cd *clientDriver) Rename(oldname, newname string) error {
	if err := cd.guardWrite(); err != nil {
		return err
	}

	return cd.Fs.Rename(oldname, newname)
}

func (cd *clientDriver) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC) != 0 {
		if err := cd.guardWrite(); err != nil {
			return nil, err
		}
	}

	return cd.Fs.OpenFile(name, flag, perm)
}
