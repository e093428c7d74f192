// Package identity provisions the relay's persistent WireGuard key pair.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// RelayIdentity is the relay's WireGuard key pair, base64 encoded.
type RelayIdentity struct {
	PrivateKey string `json:"-"`
	PublicKey  string `json:"public_key"`
}

// KeyGenerator is the subset of wgtool.Tool the provisioner needs.
type KeyGenerator interface {
	GenKey(ctx context.Context) (string, error)
	PubKey(ctx context.Context, priv string) (string, error)
}

// Provisioner loads the key pair from Dir, generating it on first boot.
type Provisioner struct {
	Dir  string
	Keys KeyGenerator
	log  *zap.Logger
}

// NewProvisioner returns a Provisioner storing keys under dir.
func NewProvisioner(dir string, keys KeyGenerator) *Provisioner {
	return &Provisioner{Dir: dir, Keys: keys, log: logger.New("identity")}
}

func (p *Provisioner) privatePath() string { return filepath.Join(p.Dir, constants.PrivateKeyFileName) }
func (p *Provisioner) publicPath() string  { return filepath.Join(p.Dir, constants.PublicKeyFileName) }

// Ensure returns the existing identity or creates one. Every failure is a
// Critical IdentityError: without keys the relay cannot serve.
func (p *Provisioner) Ensure(ctx context.Context) (*RelayIdentity, error) {
	if p.log == nil {
		p.log = logger.New("identity")
	}

	_, err := os.Stat(p.privatePath())
	switch {
	case os.IsNotExist(err):
		id, genErr := p.generate(ctx)
		if genErr != nil {
			return nil, errors.IdentityError("generation", genErr)
		}
		p.log.Info("Generated relay identity",
			zap.String("public_key", id.PublicKey),
			zap.String("dir", p.Dir))
		return id, nil
	case err != nil:
		return nil, errors.IdentityError("lookup", err)
	}

	id, err := p.load()
	if err != nil {
		return nil, errors.IdentityError("load", err)
	}
	p.log.Info("Loaded relay identity", zap.String("public_key", id.PublicKey))
	return id, nil
}

// Load reads an existing identity without ever generating one.
func (p *Provisioner) Load() (*RelayIdentity, error) {
	if p.log == nil {
		p.log = logger.New("identity")
	}
	id, err := p.load()
	if err != nil {
		return nil, errors.IdentityError("load", err)
	}
	return id, nil
}

func (p *Provisioner) generate(ctx context.Context) (*RelayIdentity, error) {
	if p.Keys == nil {
		return nil, fmt.Errorf("no key generator configured")
	}
	priv, err := p.Keys.GenKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("genkey: %w", err)
	}
	privKey, err := wgtypes.ParseKey(priv)
	if err != nil {
		return nil, fmt.Errorf("genkey returned an invalid key: %w", err)
	}
	pub, err := p.Keys.PubKey(ctx, priv)
	if err != nil {
		return nil, fmt.Errorf("pubkey: %w", err)
	}
	if pub != privKey.PublicKey().String() {
		return nil, fmt.Errorf("pubkey output does not match the generated private key")
	}

	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := writeFileAtomic(p.privatePath(), []byte(priv+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := writeFileAtomic(p.publicPath(), []byte(pub+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return &RelayIdentity{PrivateKey: priv, PublicKey: pub}, nil
}

func (p *Provisioner) load() (*RelayIdentity, error) {
	content, err := os.ReadFile(filepath.Clean(p.privatePath()))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv := strings.TrimSpace(string(content))
	privKey, err := wgtypes.ParseKey(priv)
	if err != nil {
		return nil, fmt.Errorf("private key file is not a WireGuard key: %w", err)
	}
	derived := privKey.PublicKey().String()

	content, err = os.ReadFile(filepath.Clean(p.publicPath()))
	switch {
	case os.IsNotExist(err):
		if err := writeFileAtomic(p.publicPath(), []byte(derived+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write public key: %w", err)
		}
		p.log.Info("Restored missing public key file", zap.String("path", p.publicPath()))
	case err != nil:
		return nil, fmt.Errorf("read public key: %w", err)
	default:
		if stored := strings.TrimSpace(string(content)); stored != derived {
			p.log.Warn("Stored public key does not match private key, using derived key",
				zap.String("stored", stored),
				zap.String("derived", derived))
		}
	}
	return &RelayIdentity{PrivateKey: priv, PublicKey: derived}, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
